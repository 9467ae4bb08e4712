package dispatch

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/masc-dev/masc/internal/room"
)

const (
	mimeText = "text/plain"
	mimeJSON = "application/json"
)

// Resources returns the static resource catalog for resources/list.
func (d *Dispatcher) Resources() []mcp.Resource {
	return []mcp.Resource{
		mcp.NewResource("masc://status", "Room status", mcp.WithMIMEType(mimeText)),
		mcp.NewResource("masc://status.json", "Room status (JSON)", mcp.WithMIMEType(mimeJSON)),
		mcp.NewResource("masc://tasks", "Task backlog", mcp.WithMIMEType(mimeText)),
		mcp.NewResource("masc://tasks.json", "Task backlog (JSON)", mcp.WithMIMEType(mimeJSON)),
		mcp.NewResource("masc://agents", "Agent presence", mcp.WithMIMEType(mimeText)),
		mcp.NewResource("masc://agents.json", "Agent presence (JSON)", mcp.WithMIMEType(mimeJSON)),
		mcp.NewResource("masc://worktrees", "Referenced worktrees", mcp.WithMIMEType(mimeText)),
		mcp.NewResource("masc://schema", "Tool schema catalog", mcp.WithMIMEType(mimeJSON)),
	}
}

// ResourceTemplates returns the parameterized resources for
// resources/templates/list.
func (d *Dispatcher) ResourceTemplates() []mcp.ResourceTemplate {
	return []mcp.ResourceTemplate{
		mcp.NewResourceTemplate("masc://messages{?since_seq,limit}", "Room messages",
			mcp.WithTemplateMIMEType(mimeText)),
		mcp.NewResourceTemplate("masc://events{?limit}", "Audit events",
			mcp.WithTemplateMIMEType(mimeJSON)),
	}
}

// ReadResource resolves one masc:// URI to its mime type and body. Unknown
// ids return a validation error, which the protocol layer reports as
// invalid params.
func (d *Dispatcher) ReadResource(ctx context.Context, uri string) (mime, text string, err error) {
	parsed, perr := url.Parse(uri)
	if perr != nil || parsed.Scheme != "masc" {
		return "", "", room.NewValidationError("unknown resource URI: %s", uri)
	}
	id := parsed.Host + strings.TrimSuffix(parsed.Path, "/")
	query := parsed.Query()

	asJSON := strings.HasSuffix(id, ".json")
	id = strings.TrimSuffix(id, ".json")

	switch id {
	case "status":
		return d.readStatus(ctx, asJSON)
	case "tasks":
		return d.readTasks(ctx, asJSON)
	case "who", "agents":
		return d.readAgents(ctx, asJSON)
	case "messages":
		return d.readMessages(ctx, asJSON, query)
	case "events":
		return d.readEvents(ctx, query)
	case "worktrees":
		return d.readWorktrees(ctx, asJSON)
	case "schema":
		return d.readSchema()
	default:
		return "", "", room.NewValidationError("unknown resource URI: %s", uri)
	}
}

func (d *Dispatcher) readStatus(ctx context.Context, asJSON bool) (string, string, error) {
	if !asJSON {
		text, err := d.renderStatus(ctx)
		return mimeText, text, err
	}
	st, err := d.store.LoadState(ctx)
	if err != nil {
		return "", "", err
	}
	statuses, err := d.registry.Statuses(ctx, d.store, d.cfg.ZombieThreshold)
	if err != nil {
		return "", "", err
	}
	backlog, err := d.tasks.List(ctx)
	if err != nil {
		return "", "", err
	}
	return marshalJSON(map[string]any{
		"state":           st,
		"agents":          statuses,
		"task_count":      len(backlog.Tasks),
		"backlog_version": backlog.Version,
		"feature_mode":    d.features.Mode(),
	})
}

func (d *Dispatcher) readTasks(ctx context.Context, asJSON bool) (string, string, error) {
	backlog, err := d.tasks.List(ctx)
	if err != nil {
		return "", "", err
	}
	if !asJSON {
		return mimeText, renderTasks(backlog), nil
	}
	return marshalJSON(backlog)
}

func (d *Dispatcher) readAgents(ctx context.Context, asJSON bool) (string, string, error) {
	statuses, err := d.registry.Statuses(ctx, d.store, d.cfg.ZombieThreshold)
	if err != nil {
		return "", "", err
	}
	if !asJSON {
		return mimeText, renderAgents(statuses), nil
	}
	return marshalJSON(statuses)
}

func (d *Dispatcher) readMessages(ctx context.Context, asJSON bool, query url.Values) (string, string, error) {
	sinceSeq := queryInt(query, "since_seq", 0)
	limit := queryInt(query, "limit", 50)
	msgs, err := d.store.Messages(ctx, int64(sinceSeq), limit)
	if err != nil {
		return "", "", err
	}
	if !asJSON {
		return mimeText, renderMessages(msgs), nil
	}
	return marshalJSON(msgs)
}

func (d *Dispatcher) readEvents(ctx context.Context, query url.Values) (string, string, error) {
	limit := queryInt(query, "limit", 100)
	events, err := d.store.ReadAudit(ctx, limit)
	if err != nil {
		return "", "", err
	}
	return marshalJSON(events)
}

func (d *Dispatcher) readWorktrees(ctx context.Context, asJSON bool) (string, string, error) {
	worktrees, err := d.collectWorktrees(ctx)
	if err != nil {
		return "", "", err
	}
	if asJSON {
		return marshalJSON(worktrees)
	}
	if len(worktrees) == 0 {
		return mimeText, "No worktrees referenced", nil
	}
	return mimeText, strings.Join(worktrees, "\n"), nil
}

// readSchema dumps the advertised tool catalog with input schemas so
// clients can introspect arguments without a tools/list round trip.
func (d *Dispatcher) readSchema() (string, string, error) {
	type toolSchema struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		InputSchema any    `json:"input_schema"`
	}
	tools := d.Tools()
	out := make([]toolSchema, len(tools))
	for i, t := range tools {
		out[i] = toolSchema{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return marshalJSON(out)
}

func marshalJSON(v any) (string, string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", "", room.NewIOError("resource encode", err)
	}
	return mimeJSON, string(data), nil
}

func queryInt(q url.Values, key string, def int) int {
	if s := q.Get(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
