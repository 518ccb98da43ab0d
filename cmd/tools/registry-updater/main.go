// cmd/tools/registry-updater/main.go
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"fidelya-notifications/pkg/registry"
)

var registryPath string

func main() {
	addCmd := flag.NewFlagSet("add", flag.ExitOnError)
	updateCmd := flag.NewFlagSet("update", flag.ExitOnError)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	resolveCmd := flag.NewFlagSet("resolve", flag.ExitOnError)
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)

	for _, fs := range []*flag.FlagSet{addCmd, updateCmd, validateCmd, resolveCmd, listCmd} {
		fs.StringVar(&registryPath, "path", "configs/channels.json", "Path to channel registry file")
	}

	// Add command flags
	idAdd := addCmd.String("id", "", "Route ID (e.g., benefit-urgent)")
	description := addCmd.String("description", "", "Description")
	category := addCmd.String("category", "", "Notification category (e.g., benefit)")
	priorities := addCmd.String("priorities", "", "Comma-separated priorities; empty matches all")
	channelList := addCmd.String("channels", "", "Comma-separated channels (push, email, sms, app)")
	maxRetries := addCmd.Int("maxRetries", 0, "Per-route retry cap; 0 keeps the queue default")
	ttl := addCmd.String("ttl", "", "Expiry applied to jobs on this route (e.g., 24h)")

	// Update command flags
	idUpdate := updateCmd.String("id", "", "Route ID to update")
	field := updateCmd.String("field", "", "Field to update (channels, priorities, maxRetries, ttl, description)")
	value := updateCmd.String("value", "", "New value for the field")

	// Resolve command flags
	resolveCategory := resolveCmd.String("category", "", "Notification category")
	resolvePriority := resolveCmd.String("priority", "medium", "Notification priority")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "add":
		addCmd.Parse(os.Args[2:])
		if *idAdd == "" || *category == "" || *channelList == "" {
			fmt.Println("Error: id, category, and channels are required for add.")
			addCmd.Usage()
			os.Exit(1)
		}
		route := registry.Route{
			ID:          *idAdd,
			Description: *description,
			Category:    *category,
			Priorities:  splitList(*priorities),
			Channels:    splitList(*channelList),
			MaxRetries:  *maxRetries,
			TTL:         *ttl,
		}
		if err := addRoute(route); err != nil {
			fmt.Printf("Error adding route: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Added route: %s\n", *idAdd)

	case "update":
		updateCmd.Parse(os.Args[2:])
		if *idUpdate == "" || *field == "" {
			fmt.Println("Error: id and field are required for update.")
			updateCmd.Usage()
			os.Exit(1)
		}
		if err := updateRoute(*idUpdate, *field, *value); err != nil {
			fmt.Printf("Error updating route: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Updated route %s, field %s to %q\n", *idUpdate, *field, *value)

	case "validate":
		validateCmd.Parse(os.Args[2:])
		reg, err := registry.LoadRegistry(registryPath)
		if err != nil {
			fmt.Printf("Registry validation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Registry validation passed. Found %d routes.\n", len(reg.Routes))

	case "resolve":
		resolveCmd.Parse(os.Args[2:])
		if *resolveCategory == "" {
			fmt.Println("Error: category is required for resolve.")
			resolveCmd.Usage()
			os.Exit(1)
		}
		reg, err := registry.LoadRegistry(registryPath)
		if err != nil {
			fmt.Printf("Error loading registry: %v\n", err)
			os.Exit(1)
		}
		route, ok := reg.Resolve(*resolveCategory, *resolvePriority)
		if !ok {
			fmt.Printf("No route for %s/%s, default channels: %s\n", *resolveCategory, *resolvePriority, strings.Join(route.Channels, ","))
			return
		}
		fmt.Printf("Route %s: channels=%s maxRetries=%d ttl=%s\n", route.ID, strings.Join(route.Channels, ","), route.MaxRetries, route.TTL)

	case "list":
		listCmd.Parse(os.Args[2:])
		reg, err := registry.LoadRegistry(registryPath)
		if err != nil {
			fmt.Printf("Error loading registry: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("default: %s\n", strings.Join(reg.Default, ","))
		for _, r := range reg.Routes {
			prio := "*"
			if len(r.Priorities) > 0 {
				prio = strings.Join(r.Priorities, ",")
			}
			fmt.Printf("%-24s %-14s %-20s %s\n", r.ID, r.Category, prio, strings.Join(r.Channels, ","))
		}

	case "help":
		fallthrough
	default:
		help()
	}
}

func addRoute(route registry.Route) error {
	reg, err := registry.LoadRegistry(registryPath)
	if err != nil {
		// If file doesn't exist, create new registry
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to load registry: %w", err)
		}
		reg = &registry.ChannelRegistry{Version: "1.0.0", Default: []string{"app"}}
	}

	if _, exists := reg.FindRoute(route.ID); exists {
		return fmt.Errorf("route with ID %s already exists", route.ID)
	}
	reg.Routes = append(reg.Routes, route)

	if err := reg.Validate(); err != nil {
		return err
	}
	return saveRegistry(reg, registryPath)
}

func updateRoute(id, field, value string) error {
	reg, err := registry.LoadRegistry(registryPath)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	route, ok := reg.FindRoute(id)
	if !ok {
		return fmt.Errorf("route with ID %s not found", id)
	}

	switch field {
	case "channels":
		route.Channels = splitList(value)
	case "priorities":
		route.Priorities = splitList(value)
	case "description":
		route.Description = value
	case "ttl":
		route.TTL = value
	case "maxRetries":
		retries, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid maxRetries value: %w", err)
		}
		route.MaxRetries = retries
	default:
		return fmt.Errorf("unknown field: %s", field)
	}

	if err := reg.Validate(); err != nil {
		return err
	}
	return saveRegistry(reg, registryPath)
}

// saveRegistry creates the parent directory before writing
func saveRegistry(reg *registry.ChannelRegistry, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := registry.SaveRegistry(path, reg); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func help() {
	fmt.Print(`
Usage: registry-updater <command> [flags]

Commands:
  add      Add a routing rule to the channel registry
  update   Update a field on an existing route
  validate Validate the registry file
  resolve  Show which channels a category/priority fans out to
  list     List all routes
  help     Show this help message

Examples:
  registry-updater add -id benefit-urgent -category benefit -priorities urgent -channels push,sms,app -ttl 24h
  registry-updater update -id benefit-urgent -field channels -value push,app
  registry-updater resolve -category benefit -priority urgent
  registry-updater validate -path configs/channels.json

Use 'registry-updater <command> -h' for more information about a command.
` + "\n")
}
