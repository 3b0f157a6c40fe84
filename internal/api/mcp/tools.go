package mcp

// buildToolsList returns the canonical tool definitions exposed via
// tools/list. Names are stable; the front end keys on them.
func buildToolsList() []Tool {
	sessionIDProp := map[string]interface{}{
		"type": "string", "description": "Session ID from the registry",
	}

	return []Tool{
		{
			Name: "fork-detect",
			Description: "Search past coding-assistant sessions for work relevant to a natural-language query. " +
				"Returns a ranked list with score breakdowns, previews, and resume commands.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"query"},
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type": "string", "description": "Natural-language description of what you want to do",
					},
					"project": map[string]interface{}{
						"type": "string", "description": "Restrict to a project label; \"current\" uses the working directory's project",
					},
					"scope": map[string]interface{}{
						"type": "string", "enum": []string{"all", "project"},
						"description": "\"project\" restricts to the current project (default \"all\")",
					},
					"tags": map[string]interface{}{
						"type": "array", "items": map[string]interface{}{"type": "string"},
						"description": "Keep only sessions carrying at least one of these tags",
					},
					"time_range": map[string]interface{}{
						"description": "Time restriction: \"last week\", \"3 days ago\", \"7d\", a date, or {from, to}",
					},
					"include_archive": map[string]interface{}{
						"type": "boolean", "description": "Also search the archive partition (default false)",
					},
					"limit": map[string]interface{}{
						"type": "integer", "description": "Max sessions to return (default 5)",
					},
				},
			},
		},
		{
			Name:        "get-session-preview",
			Description: "Show a session's metadata (project, dates, counts, tags) and an opening excerpt.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"session_id"},
				"properties": map[string]interface{}{
					"session_id": sessionIDProp,
				},
			},
		},
		{
			Name:        "get-fork-history",
			Description: "List the most recent fork selections, newest first.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"limit": map[string]interface{}{
						"type": "integer", "description": "Max entries to return (default 10)",
					},
				},
			},
		},
		{
			Name: "record-fork",
			Description: "Record that the user resumed work from a session. Feeds the preference boost " +
				"so repeatedly chosen sessions rank higher.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"session_id"},
				"properties": map[string]interface{}{
					"session_id": sessionIDProp,
					"query": map[string]interface{}{
						"type": "string", "description": "The query that produced the ranking",
					},
					"position": map[string]interface{}{
						"type": "integer", "description": "0-based position of the chosen session in the ranking",
					},
					"outcome": map[string]interface{}{
						"type": "string", "description": "Optional outcome tag (e.g. success)",
					},
				},
			},
		},
		{
			Name:        "add-session-tag",
			Description: "Attach a tag to a session. Tags are lowercase-normalized and searchable as filters.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"session_id", "tag"},
				"properties": map[string]interface{}{
					"session_id": sessionIDProp,
					"tag":        map[string]interface{}{"type": "string", "description": "Tag to add"},
				},
			},
		},
		{
			Name:        "remove-session-tag",
			Description: "Remove a tag from a session.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"session_id", "tag"},
				"properties": map[string]interface{}{
					"session_id": sessionIDProp,
					"tag":        map[string]interface{}{"type": "string", "description": "Tag to remove"},
				},
			},
		},
		{
			Name:        "list-session-tags",
			Description: "List a session's tags.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"session_id"},
				"properties": map[string]interface{}{
					"session_id": sessionIDProp,
				},
			},
		},
		{
			Name:        "get-session-summary",
			Description: "Return an extractive summary of a session (top sentences by TF-IDF, code excluded). Cached and regenerated when the session grows.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"session_id"},
				"properties": map[string]interface{}{
					"session_id": sessionIDProp,
				},
			},
		},
		{
			Name:        "cluster-sessions",
			Description: "Group all sessions into topical clusters by k-means over session embeddings. Persists the snapshot and reports a silhouette quality score.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"k": map[string]interface{}{
						"type": "integer", "description": "Cluster count (default 10, clamped to the session count)",
					},
				},
			},
		},
		{
			Name:        "get-session-clusters",
			Description: "Show the persisted cluster snapshot: labels, sizes, and quality.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "get-cluster-sessions",
			Description: "List the sessions in one cluster from the persisted snapshot.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"cluster_id"},
				"properties": map[string]interface{}{
					"cluster_id": map[string]interface{}{
						"type": "integer", "description": "Cluster ID from get-session-clusters",
					},
				},
			},
		},
		{
			Name:        "compare-sessions",
			Description: "Semantically compare two sessions: common topics, unique topics, and an overall similarity score.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"session_a", "session_b"},
				"properties": map[string]interface{}{
					"session_a": map[string]interface{}{"type": "string", "description": "First session ID"},
					"session_b": map[string]interface{}{"type": "string", "description": "Second session ID"},
				},
			},
		},
		{
			Name:        "get-similar-sessions",
			Description: "Find the sessions most similar to a given one by session-level embedding similarity.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"session_id"},
				"properties": map[string]interface{}{
					"session_id": sessionIDProp,
					"limit": map[string]interface{}{
						"type": "integer", "description": "Max sessions to return (default 5)",
					},
				},
			},
		},
		{
			Name:        "generate-fork-command",
			Description: "Generate the terminal and in-session commands that resume work from a session.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"session_id"},
				"properties": map[string]interface{}{
					"session_id": sessionIDProp,
				},
			},
		},
		{
			Name:        "find-duplicate-sessions",
			Description: "Find pairs of sessions whose content is nearly identical (session-level similarity above 0.85, at least 3 chunks each).",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "archive-session",
			Description: "Move a session to the archive partition. Archived sessions are excluded from searches unless include_archive is set.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"session_id"},
				"properties": map[string]interface{}{
					"session_id": sessionIDProp,
				},
			},
		},
		{
			Name:        "restore-session",
			Description: "Restore an archived session to the active partition.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"session_id"},
				"properties": map[string]interface{}{
					"session_id": sessionIDProp,
				},
			},
		},
	}
}
