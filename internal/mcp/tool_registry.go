package mcp

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// ToolCategory represents the functional category of a tool.
type ToolCategory string

const (
	// CategoryPhase is for workflow phase tools.
	CategoryPhase ToolCategory = "phase"
	// CategoryGate is for gate evaluation tools.
	CategoryGate ToolCategory = "gate"
	// CategoryContamination is for isolation scanning tools.
	CategoryContamination ToolCategory = "contamination"
	// CategoryTask is for agent marker tools (heartbeat, completion).
	CategoryTask ToolCategory = "task"
	// CategorySearch is for tool discovery (tool_search itself).
	CategorySearch ToolCategory = "search"
)

// ToolMetadata contains metadata about a registered MCP tool.
type ToolMetadata struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`
	// Keywords are additional searchable terms for this tool.
	Keywords []string `json:"keywords,omitempty"`
}

// ToolRegistry manages metadata about all registered MCP tools.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolMetadata
}

// NewToolRegistry creates a new tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*ToolMetadata),
	}
}

// Register adds a tool to the registry. Names are unique.
func (r *ToolRegistry) Register(tool *ToolMetadata) error {
	if tool == nil {
		return fmt.Errorf("tool metadata cannot be nil")
	}
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Category == "" {
		return fmt.Errorf("tool %q: category is required", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name]; ok {
		return fmt.Errorf("tool %q already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get returns the metadata for a specific tool.
func (r *ToolRegistry) Get(name string) (*ToolMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %q not found", name)
	}
	return tool, nil
}

// List returns all registered tool metadata sorted by name.
func (r *ToolRegistry) List() []*ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

// ListByCategory returns all tools in a specific category, sorted by name.
func (r *ToolRegistry) ListByCategory(category ToolCategory) []*ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*ToolMetadata
	for _, tool := range r.sortedLocked() {
		if tool.Category == category {
			result = append(result, tool)
		}
	}
	return result
}

// Count returns the total number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func (r *ToolRegistry) sortedLocked() []*ToolMetadata {
	result := make([]*ToolMetadata, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, tool)
	}
	slices.SortFunc(result, func(a, b *ToolMetadata) int { return cmp.Compare(a.Name, b.Name) })
	return result
}

// SearchResult contains a tool match from a search query.
type SearchResult struct {
	Tool *ToolMetadata `json:"tool"`

	// Score indicates match quality (higher is better).
	// 3 = exact name match
	// 2 = name contains or matches query
	// 1 = description/keywords match
	Score int `json:"score"`

	MatchReason string `json:"match_reason"`
}

// Search finds tools matching the query string, case-insensitively, against
// names, descriptions and keywords. A query that compiles as a regular
// expression is also matched as a pattern. Results are ordered by score, then
// name.
func (r *ToolRegistry) Search(query string) []*SearchResult {
	if query == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	queryLower := strings.ToLower(query)
	regex, err := regexp.Compile("(?i)" + query)
	if err != nil {
		regex = nil
	}
	matches := func(s string) (contains, pattern bool) {
		return strings.Contains(strings.ToLower(s), queryLower), regex != nil && regex.MatchString(s)
	}

	var results []*SearchResult
	add := func(tool *ToolMetadata, score int, reason string) {
		results = append(results, &SearchResult{Tool: tool, Score: score, MatchReason: reason})
	}

	for _, tool := range r.sortedLocked() {
		if strings.ToLower(tool.Name) == queryLower {
			add(tool, 3, "exact name match")
			continue
		}
		if c, p := matches(tool.Name); c {
			add(tool, 2, "name contains query")
			continue
		} else if p {
			add(tool, 2, "name matches pattern")
			continue
		}
		if c, p := matches(tool.Description); c {
			add(tool, 1, "description contains query")
			continue
		} else if p {
			add(tool, 1, "description matches pattern")
			continue
		}
		for _, kw := range tool.Keywords {
			if c, p := matches(kw); c || p {
				add(tool, 1, "keyword matches query")
				break
			}
		}
	}

	slices.SortStableFunc(results, func(a, b *SearchResult) int { return cmp.Compare(b.Score, a.Score) })
	return results
}
