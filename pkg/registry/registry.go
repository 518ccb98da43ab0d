// pkg/registry/registry.go
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

var knownChannels = map[string]bool{"push": true, "email": true, "sms": true, "app": true}

func LoadRegistry(path string) (*ChannelRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*ChannelRegistry, error) {
	var reg ChannelRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

func SaveRegistry(path string, reg *ChannelRegistry) error {
	reg.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks channel names, route ids and TTL durations.
func (r *ChannelRegistry) Validate() error {
	if len(r.Default) == 0 {
		return fmt.Errorf("registry: default channels are required")
	}
	if err := checkChannels("default", r.Default); err != nil {
		return err
	}

	seen := make(map[string]bool, len(r.Routes))
	for _, route := range r.Routes {
		if route.ID == "" {
			return fmt.Errorf("registry: route without id")
		}
		if seen[route.ID] {
			return fmt.Errorf("registry: duplicate route id %q", route.ID)
		}
		seen[route.ID] = true

		if route.Category == "" {
			return fmt.Errorf("registry: route %q has no category", route.ID)
		}
		if len(route.Channels) == 0 {
			return fmt.Errorf("registry: route %q has no channels", route.ID)
		}
		if err := checkChannels(route.ID, route.Channels); err != nil {
			return err
		}
		if route.TTL != "" {
			if _, err := time.ParseDuration(route.TTL); err != nil {
				return fmt.Errorf("registry: route %q ttl: %w", route.ID, err)
			}
		}
	}
	return nil
}

func checkChannels(owner string, channels []string) error {
	for _, ch := range channels {
		if !knownChannels[ch] {
			return fmt.Errorf("registry: %s lists unknown channel %q", owner, ch)
		}
	}
	return nil
}

// Resolve returns the most specific route for category and priority: a
// route naming the priority wins over a category-wide one. ok is false when
// only the default applies.
func (r *ChannelRegistry) Resolve(category, priority string) (route Route, ok bool) {
	var fallback *Route
	for i := range r.Routes {
		rt := &r.Routes[i]
		if rt.Category != category {
			continue
		}
		if len(rt.Priorities) == 0 {
			if fallback == nil {
				fallback = rt
			}
			continue
		}
		for _, p := range rt.Priorities {
			if p == priority {
				return *rt, true
			}
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Route{ID: "default", Channels: r.Default}, false
}

// FindRoute returns the route with the given id.
func (r *ChannelRegistry) FindRoute(id string) (*Route, bool) {
	for i := range r.Routes {
		if r.Routes[i].ID == id {
			return &r.Routes[i], true
		}
	}
	return nil, false
}

// TTLDuration parses TTL; zero means the notification never expires.
func (rt Route) TTLDuration() time.Duration {
	if rt.TTL == "" {
		return 0
	}
	d, err := time.ParseDuration(rt.TTL)
	if err != nil {
		return 0
	}
	return d
}
