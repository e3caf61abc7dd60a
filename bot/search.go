package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/guildseer/guildseer/ai/llm"
	"github.com/guildseer/guildseer/vectorstore"
)

const (
	searchToolName     = "search_messages"
	maxSearchLimit     = 15
	defaultSearchLimit = 5
	excerptMaxRunes    = 300
)

// VectorQuerier is the vector store surface the search tool reads.
type VectorQuerier interface {
	Query(ctx context.Context, serverID, queryText string, limit int) ([]vectorstore.Hit, error)
}

// Searcher is what the worker hands to the tool loop.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) (string, error)
}

// SearchTool answers search_messages calls against exactly one server's
// collection. The binding happens at construction, so a request can never
// read another server's history.
type SearchTool struct {
	querier  VectorQuerier
	serverID string
}

func NewSearchTool(querier VectorQuerier, serverID string) *SearchTool {
	return &SearchTool{querier: querier, serverID: serverID}
}

// Search runs a relevance query and renders the hits as a text block the
// model can read: author, channel, timestamp and an excerpt per hit.
func (t *SearchTool) Search(ctx context.Context, query string, limit int) (string, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	hits, err := t.querier.Query(ctx, t.serverID, query, limit)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "No matching messages found.", nil
	}

	var b strings.Builder
	for i, hit := range hits {
		author := hit.Metadata["author_name"]
		if author == "" {
			author = "Unknown"
		}
		channel := hit.Metadata["channel_name"]
		if channel == "" {
			channel = "unknown-channel"
		}
		fmt.Fprintf(&b, "%d. %s in #%s at %s (relevance %.3f)\n%s\n\n",
			i+1, author, channel, hit.Metadata["timestamp"], hit.Score, excerpt(hit.Document))
	}
	return strings.TrimSpace(b.String()), nil
}

func excerpt(doc string) string {
	doc = strings.TrimSpace(doc)
	runes := []rune(doc)
	if len(runes) <= excerptMaxRunes {
		return doc
	}
	return strings.TrimSpace(string(runes[:excerptMaxRunes])) + "…"
}

func searchToolDescriptor() llm.ToolDescriptor {
	return llm.ToolDescriptor{
		Name: searchToolName,
		Description: "Search the indexed message history of this server. " +
			"Returns the most relevant messages with author, channel and timestamp.",
		Parameters: `{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "description": "What to search for, as a natural language phrase."
    },
    "limit": {
      "type": "integer",
      "description": "Maximum number of results, between 1 and 15.",
      "minimum": 1,
      "maximum": 15
    }
  },
  "required": ["query"]
}`,
	}
}
