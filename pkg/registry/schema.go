// pkg/registry/schema.go
package registry

// ChannelRegistry decides which channels a notification fans out to when
// the request does not name them.
type ChannelRegistry struct {
	Version     string   `json:"version"`
	LastUpdated string   `json:"lastUpdated"`
	Default     []string `json:"default"`
	Routes      []Route  `json:"routes"`
}

// Route matches on category and, optionally, priority. A route with no
// priorities matches every priority of its category.
type Route struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Priorities  []string `json:"priorities,omitempty"`
	Channels    []string `json:"channels"`
	MaxRetries  int      `json:"maxRetries,omitempty"`
	TTL         string   `json:"ttl,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}
