package telegram

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"

	"github.com/emakarov/megobari-sub000/internal/store"
	"github.com/emakarov/megobari-sub000/internal/transport"
)

// --- personas ---

func (r *CommandRouter) cmdPersona(ctx context.Context, send func(string, ...any), args []string, rest string) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		personas, err := r.store.ListPersonas(ctx)
		if err != nil {
			r.logger.Warn("persona list failed", "error", err)
			send("Failed to list personas.")
			return
		}
		if len(personas) == 0 {
			send("No personas. /persona create {name} [description] adds one.")
			return
		}
		var b strings.Builder
		b.WriteString("Personas:\n")
		for _, p := range personas {
			marker := "  "
			if p.IsDefault {
				marker = "→ "
			}
			fmt.Fprintf(&b, "%s%s%s\n", marker, p.Name, suffixIf(p.Description, " — "+p.Description))
		}
		send("%s", strings.TrimRight(b.String(), "\n"))
	case "create":
		if len(args) < 2 {
			send("Usage: /persona create {name} [description]")
			return
		}
		p := &store.Persona{Name: args[1], Description: strings.Join(args[2:], " ")}
		if err := r.store.CreatePersona(ctx, p); err != nil {
			r.logger.Warn("persona create failed", "name", args[1], "error", err)
			send("Failed to create persona %q.", args[1])
			return
		}
		send("Persona %q created. /persona prompt %s {text} gives it a voice.", p.Name, p.Name)
	case "info":
		if len(args) < 2 {
			send("Usage: /persona info {name}")
			return
		}
		p, err := r.store.GetPersona(ctx, args[1])
		if err != nil || p == nil {
			send("No persona named %q.", args[1])
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Persona %q", p.Name)
		if p.IsDefault {
			b.WriteString(" (default)")
		}
		b.WriteString("\n")
		if p.Description != "" {
			fmt.Fprintf(&b, "description: %s\n", p.Description)
		}
		if p.SystemPrompt != "" {
			fmt.Fprintf(&b, "prompt: %s\n", clip(p.SystemPrompt, 400))
		}
		if len(p.MCPServers) > 0 {
			fmt.Fprintf(&b, "mcp servers: %s\n", strings.Join(p.MCPServers, ", "))
		}
		if len(p.SkillPriority) > 0 {
			fmt.Fprintf(&b, "skills: %s\n", strings.Join(p.SkillPriority, ", "))
		}
		send("%s", strings.TrimRight(b.String(), "\n"))
	case "default":
		if len(args) < 2 {
			send("Usage: /persona default {name|off}")
			return
		}
		if args[1] == "off" {
			if err := r.store.ClearDefaultPersona(ctx); err != nil {
				send("Failed to clear the default persona.")
				return
			}
			send("No persona is default now.")
			return
		}
		if err := r.store.SetDefaultPersona(ctx, args[1]); err != nil {
			send("No persona named %q.", args[1])
			return
		}
		send("Persona %q now shapes every turn.", args[1])
	case "delete":
		if len(args) < 2 {
			send("Usage: /persona delete {name}")
			return
		}
		ok, err := r.store.DeletePersona(ctx, args[1])
		if err != nil {
			r.logger.Warn("persona delete failed", "name", args[1], "error", err)
			send("Failed to delete persona %q.", args[1])
			return
		}
		if !ok {
			send("No persona named %q.", args[1])
			return
		}
		send("Persona %q deleted.", args[1])
	case "prompt":
		if len(args) < 3 {
			send("Usage: /persona prompt {name} {text}")
			return
		}
		// Keep the prompt's own line breaks; args would collapse them.
		text := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		text = strings.TrimSpace(strings.TrimPrefix(text, args[1]))
		if err := r.store.UpdatePersonaPrompt(ctx, args[1], text); err != nil {
			send("No persona named %q.", args[1])
			return
		}
		send("Persona %q prompt updated.", args[1])
	case "mcp":
		if len(args) < 3 {
			send("Usage: /persona mcp {name} {server[, server…]}")
			return
		}
		if err := r.store.UpdatePersonaMCPServers(ctx, args[1], splitList(args[2:])); err != nil {
			send("No persona named %q.", args[1])
			return
		}
		send("Persona %q MCP servers updated.", args[1])
	case "skills":
		if len(args) < 3 {
			send("Usage: /persona skills {name} {skill[, skill…]}")
			return
		}
		if err := r.store.UpdatePersonaSkills(ctx, args[1], splitList(args[2:])); err != nil {
			send("No persona named %q.", args[1])
			return
		}
		send("Persona %q skill priority updated.", args[1])
	case "describe":
		if len(args) < 3 {
			send("Usage: /persona describe {name} {text}")
			return
		}
		if err := r.store.UpdatePersonaDescription(ctx, args[1], strings.Join(args[2:], " ")); err != nil {
			send("No persona named %q.", args[1])
			return
		}
		send("Persona %q description updated.", args[1])
	default:
		send("Usage: /persona list|create|info|default|delete|prompt|mcp|skills|describe")
	}
}

func (r *CommandRouter) cmdMCP(ctx context.Context, send func(string, ...any)) {
	p, err := r.store.DefaultPersona(ctx)
	if err != nil || p == nil {
		send("No default persona. /persona default {name} sets one.")
		return
	}
	if len(p.MCPServers) == 0 {
		send("Persona %q lists no MCP servers. /persona mcp %s {server} adds them.", p.Name, p.Name)
		return
	}
	send("MCP servers (%s):\n- %s", p.Name, strings.Join(p.MCPServers, "\n- "))
}

func (r *CommandRouter) cmdSkills(ctx context.Context, send func(string, ...any)) {
	p, err := r.store.DefaultPersona(ctx)
	if err != nil || p == nil {
		send("No default persona. /persona default {name} sets one.")
		return
	}
	if len(p.SkillPriority) == 0 {
		send("Persona %q lists no skills. /persona skills %s {skill} adds them.", p.Name, p.Name)
		return
	}
	send("Skill priority (%s):\n- %s", p.Name, strings.Join(p.SkillPriority, "\n- "))
}

// --- memories ---

func (r *CommandRouter) cmdMemory(ctx context.Context, send func(string, ...any), args []string, userID string) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		category := ""
		if len(args) > 1 {
			category = args[1]
		}
		memories, err := r.store.ListMemories(ctx, userID, category, 50)
		if err != nil {
			r.logger.Warn("memory list failed", "error", err)
			send("Failed to list memories.")
			return
		}
		if len(memories) == 0 {
			send("Nothing stored yet. /memory set {category} {key} {content} remembers something.")
			return
		}
		var b strings.Builder
		b.WriteString("Memories:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", m.Category, m.Key, clip(m.Content, 120))
		}
		send("%s", strings.TrimRight(b.String(), "\n"))
	case "set":
		if len(args) < 4 {
			send("Usage: /memory set {category} {key} {content}")
			return
		}
		content := strings.Join(args[3:], " ")
		if err := r.store.UpsertMemory(ctx, userID, args[1], args[2], content, nil); err != nil {
			r.logger.Warn("memory set failed", "error", err)
			send("Failed to store the memory.")
			return
		}
		send("Remembered %s/%s.", args[1], args[2])
	case "get":
		if len(args) < 3 {
			send("Usage: /memory get {category} {key}")
			return
		}
		m, err := r.store.GetMemory(ctx, userID, args[1], args[2])
		if err != nil || m == nil {
			send("No memory %s/%s.", args[1], args[2])
			return
		}
		send("[%s] %s: %s", m.Category, m.Key, m.Content)
	case "delete":
		if len(args) < 3 {
			send("Usage: /memory delete {category} {key}")
			return
		}
		ok, err := r.store.DeleteMemory(ctx, userID, args[1], args[2])
		if err != nil {
			r.logger.Warn("memory delete failed", "error", err)
			send("Failed to delete the memory.")
			return
		}
		if !ok {
			send("No memory %s/%s.", args[1], args[2])
			return
		}
		send("Forgot %s/%s.", args[1], args[2])
	default:
		send("Usage: /memory list|set|get|delete")
	}
}

// --- summaries, usage, history ---

func (r *CommandRouter) cmdSummaries(ctx context.Context, send func(string, ...any), args []string) {
	var (
		summaries []store.Summary
		err       error
		heading   = "Summaries"
	)
	switch {
	case len(args) == 0:
		name := r.registry.ActiveName()
		heading = fmt.Sprintf("Summaries (%s)", name)
		summaries, err = r.store.ListSummaries(ctx, name, 10)
	case args[0] == "all":
		summaries, err = r.store.ListSummaries(ctx, "", 10)
	case args[0] == "search":
		if len(args) < 2 {
			send("Usage: /summaries search {query}")
			return
		}
		query := strings.Join(args[1:], " ")
		heading = fmt.Sprintf("Summaries matching %q", query)
		summaries, err = r.store.SearchSummaries(ctx, query, 10)
	case args[0] == "milestones":
		heading = "Milestones"
		summaries, err = r.store.MilestoneSummaries(ctx, 10)
	default:
		send("Usage: /summaries [all|search {q}|milestones]")
		return
	}
	if err != nil {
		r.logger.Warn("summaries query failed", "error", err)
		send("Failed to load summaries.")
		return
	}
	if len(summaries) == 0 {
		send("No summaries yet; they appear as conversations grow.")
		return
	}
	var b strings.Builder
	b.WriteString(heading + ":\n")
	for _, s := range summaries {
		text := s.ShortSummary
		if text == "" {
			text = clip(s.FullSummary, 150)
		}
		fmt.Fprintf(&b, "- [%s %s] %s\n", s.SessionName, s.CreatedAt.Format("Jan 2"), text)
	}
	send("%s", strings.TrimRight(b.String(), "\n"))
}

func (r *CommandRouter) cmdUsage(ctx context.Context, send func(string, ...any), args []string) {
	if len(args) > 0 && args[0] == "all" {
		total, err := r.store.UsageTotals(ctx)
		if err != nil {
			r.logger.Warn("usage totals failed", "error", err)
			send("Failed to load usage.")
			return
		}
		perSession, err := r.store.UsageBySession(ctx)
		if err != nil {
			r.logger.Warn("usage by session failed", "error", err)
			send("Failed to load usage.")
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "All-time: $%.4f over %d turns (%d in / %d out tokens)\n",
			total.TotalCostUSD, total.TotalTurns, total.InputTokens, total.OutputTokens)
		for _, u := range perSession {
			fmt.Fprintf(&b, "- %s: $%.4f, %d turns\n", u.SessionName, u.TotalCostUSD, u.TotalTurns)
		}
		send("%s", strings.TrimRight(b.String(), "\n"))
		return
	}

	total := r.engine.Usage().Total()
	if total.Turns == 0 {
		send("No agent calls since start. /usage all shows the stored history.")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Since start: $%.4f over %d turns (%d in / %d out tokens)\n",
		total.CostUSD, total.Turns, total.InputTokens, total.OutputTokens)
	for _, u := range r.engine.Usage().All() {
		fmt.Fprintf(&b, "- %s: $%.4f, %d turns\n", u.SessionName, u.CostUSD, u.Turns)
	}
	send("%s", strings.TrimRight(b.String(), "\n"))
}

func (r *CommandRouter) cmdContext(ctx context.Context, send func(string, ...any), userID string) {
	name := r.mustActive(send)
	if name == "" {
		return
	}
	res := r.engine.Recall().Build(ctx, name, userID)
	if res.Context == "" {
		send("Recall is empty: no summaries, persona or memories yet.")
		return
	}
	send("Recall preview for %q:\n\n%s", name, clip(res.Context, 3500))
}

func (r *CommandRouter) cmdHistory(ctx context.Context, send func(string, ...any), args []string) {
	if len(args) > 0 && args[0] == "stats" {
		st, err := r.store.Stats(ctx)
		if err != nil {
			r.logger.Warn("history stats failed", "error", err)
			send("Failed to load stats.")
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Messages: %d total, %d awaiting summarization\n", st.Total, st.Unsummarized)
		for role, n := range st.ByRole {
			fmt.Fprintf(&b, "- %s: %d\n", role, n)
		}
		for session, n := range st.BySession {
			fmt.Fprintf(&b, "- %s: %d\n", session, n)
		}
		send("%s", strings.TrimRight(b.String(), "\n"))
		return
	}

	var (
		messages []store.Message
		err      error
	)
	switch {
	case len(args) == 0:
		name := r.mustActive(send)
		if name == "" {
			return
		}
		messages, err = r.store.SessionMessages(ctx, name, 10)
	case args[0] == "all":
		messages, err = r.store.RecentMessages(ctx, 10)
	case args[0] == "search":
		if len(args) < 2 {
			send("Usage: /history search {query}")
			return
		}
		messages, err = r.store.SearchMessages(ctx, strings.Join(args[1:], " "), 10)
	default:
		send("Usage: /history [all|search {q}|stats]")
		return
	}
	if err != nil {
		r.logger.Warn("history query failed", "error", err)
		send("Failed to load history.")
		return
	}
	if len(messages) == 0 {
		send("No messages logged yet.")
		return
	}
	var b strings.Builder
	b.WriteString("History (newest first):\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s %s] %s\n", m.CreatedAt.Format("Jan 2 15:04"), m.Role, clip(m.Content, 150))
	}
	send("%s", strings.TrimRight(b.String(), "\n"))
}

func (r *CommandRouter) cmdCompact(ctx context.Context, send func(string, ...any)) {
	name := r.mustActive(send)
	if name == "" {
		return
	}
	done, err := r.engine.Summarizer().Force(ctx, name)
	if err != nil {
		r.logger.Warn("compact failed", "session", name, "error", err)
		send("Failed to summarize: %v", err)
		return
	}
	if !done {
		send("Nothing to summarize; the session has no unsummarized messages.")
		return
	}
	send("Session %q summarized. /summaries shows the result.", name)
}

// --- cron jobs ---

func (r *CommandRouter) cmdCron(ctx context.Context, send func(string, ...any), args []string, rest string) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "add":
		name, expr, prompt, err := parseCronAdd(args[1:])
		if err != nil {
			send("%v", err)
			return
		}
		if !gronx.New().IsValid(expr) {
			send("%q is not a valid cron expression. Five fields (m h dom mon dow) or a macro like @daily.", expr)
			return
		}
		job := &store.CronJob{
			Name:       name,
			Expression: expr,
			Prompt:     prompt,
			Isolated:   true,
			Enabled:    true,
			Timezone:   "UTC",
		}
		if err := r.store.CreateCronJob(ctx, job); err != nil {
			r.logger.Warn("cron create failed", "name", name, "error", err)
			send("Failed to create the job; is the name %q taken?", name)
			return
		}
		send("Job %q scheduled: %s", name, expr)
	case "list":
		jobs, err := r.store.ListCronJobs(ctx, false)
		if err != nil {
			r.logger.Warn("cron list failed", "error", err)
			send("Failed to list jobs.")
			return
		}
		if len(jobs) == 0 {
			send("No jobs. /cron add {name} {expr} {prompt} schedules one.")
			return
		}
		var b strings.Builder
		b.WriteString("Jobs:\n")
		for _, j := range jobs {
			state := "on"
			if !j.Enabled {
				state = "off"
			}
			last := "never ran"
			if !j.LastRunAt.IsZero() {
				last = "last ran " + j.LastRunAt.UTC().Format("Jan 2 15:04")
			}
			fmt.Fprintf(&b, "- %s [%s] %s — %s, %s\n", j.Name, state, j.Expression, clip(j.Prompt, 60), last)
		}
		send("%s", strings.TrimRight(b.String(), "\n"))
	case "rm":
		if len(args) < 2 {
			send("Usage: /cron rm {name}")
			return
		}
		ok, err := r.store.DeleteCronJob(ctx, args[1])
		if err != nil {
			r.logger.Warn("cron delete failed", "name", args[1], "error", err)
			send("Failed to delete the job.")
			return
		}
		if !ok {
			send("No job named %q.", args[1])
			return
		}
		send("Job %q deleted.", args[1])
	case "enable", "disable":
		if len(args) < 2 {
			send("Usage: /cron %s {name}", args[0])
			return
		}
		ok, err := r.store.SetCronJobEnabled(ctx, args[1], args[0] == "enable")
		if err != nil {
			r.logger.Warn("cron toggle failed", "name", args[1], "error", err)
			send("Failed to update the job.")
			return
		}
		if !ok {
			send("No job named %q.", args[1])
			return
		}
		send("Job %q %sd.", args[1], args[0])
	default:
		send("Usage: /cron add|list|rm|enable|disable")
	}
}

// parseCronAdd splits "name expr prompt" where expr is either one macro
// token (@daily) or five cron fields.
func parseCronAdd(args []string) (name, expr, prompt string, err error) {
	const usage = "Usage: /cron add {name} {expr} {prompt} — e.g. /cron add digest @daily Summarize my inbox"
	if len(args) < 3 {
		return "", "", "", fmt.Errorf("%s", usage)
	}
	name = args[0]
	if strings.HasPrefix(args[1], "@") {
		expr = args[1]
		prompt = strings.Join(args[2:], " ")
	} else {
		if len(args) < 7 {
			return "", "", "", fmt.Errorf("%s", usage)
		}
		expr = strings.Join(args[1:6], " ")
		prompt = strings.Join(args[6:], " ")
	}
	if prompt == "" {
		return "", "", "", fmt.Errorf("%s", usage)
	}
	return name, expr, prompt, nil
}

// --- heartbeat ---

func (r *CommandRouter) cmdHeartbeat(ctx context.Context, send func(string, ...any), args []string, rest string) {
	if len(args) == 0 {
		checks, err := r.store.ListHeartbeatChecks(ctx, false)
		if err != nil {
			r.logger.Warn("heartbeat list failed", "error", err)
			send("Failed to list heartbeat checks.")
			return
		}
		interval := r.cfg.HeartbeatInterval()
		status := fmt.Sprintf("Heartbeat runs every %s.", interval)
		if interval <= 0 {
			status = "Heartbeat is disabled (heartbeat.interval_minutes is 0)."
		}
		if len(checks) == 0 {
			send("%s No checks registered; /heartbeat add {name} {prompt} adds one.", status)
			return
		}
		var b strings.Builder
		b.WriteString(status + "\nChecks:\n")
		for _, c := range checks {
			state := "on"
			if !c.Enabled {
				state = "off"
			}
			fmt.Fprintf(&b, "- %s [%s] %s\n", c.Name, state, clip(c.Prompt, 80))
		}
		send("%s", strings.TrimRight(b.String(), "\n"))
		return
	}
	switch args[0] {
	case "add":
		if len(args) < 3 {
			send("Usage: /heartbeat add {name} {prompt}")
			return
		}
		check := &store.HeartbeatCheck{Name: args[1], Prompt: strings.Join(args[2:], " "), Enabled: true}
		if err := r.store.CreateHeartbeatCheck(ctx, check); err != nil {
			r.logger.Warn("heartbeat create failed", "name", args[1], "error", err)
			send("Failed to add the check; is the name %q taken?", args[1])
			return
		}
		send("Check %q added to the heartbeat.", args[1])
	case "rm":
		if len(args) < 2 {
			send("Usage: /heartbeat rm {name}")
			return
		}
		ok, err := r.store.DeleteHeartbeatCheck(ctx, args[1])
		if err != nil {
			send("Failed to delete the check.")
			return
		}
		if !ok {
			send("No check named %q.", args[1])
			return
		}
		send("Check %q deleted.", args[1])
	case "enable", "disable":
		if len(args) < 2 {
			send("Usage: /heartbeat %s {name}", args[0])
			return
		}
		ok, err := r.store.SetHeartbeatCheckEnabled(ctx, args[1], args[0] == "enable")
		if err != nil {
			send("Failed to update the check.")
			return
		}
		if !ok {
			send("No check named %q.", args[1])
			return
		}
		send("Check %q %sd.", args[1], args[0])
	case "list":
		r.cmdHeartbeat(ctx, send, nil, rest)
	default:
		send("Usage: /heartbeat [add|rm|enable|disable|list]")
	}
}

// --- monitor ---

func (r *CommandRouter) cmdMonitor(ctx context.Context, t transport.Transport, send func(string, ...any), in Inbound, args []string) {
	if len(args) == 0 {
		send("Usage: /monitor topic|entity|resource|subscribe|check|baseline|report|digest")
		return
	}
	switch args[0] {
	case "topic":
		r.monitorTopic(ctx, send, args[1:])
	case "entity":
		r.monitorEntity(ctx, send, args[1:])
	case "resource":
		r.monitorResource(ctx, send, args[1:])
	case "subscribe":
		r.monitorSubscribe(ctx, send, in, args[1:])
	case "check":
		r.monitorCheck(ctx, send, args[1:])
	case "baseline":
		r.monitorBaseline(ctx, send)
	case "report":
		r.monitorReport(ctx, t, send, args[1:])
	case "digest":
		r.monitorDigest(ctx, send, args[1:])
	default:
		send("Usage: /monitor topic|entity|resource|subscribe|check|baseline|report|digest")
	}
}

func (r *CommandRouter) monitorTopic(ctx context.Context, send func(string, ...any), args []string) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "add":
		if len(args) < 2 {
			send("Usage: /monitor topic add {name} [description]")
			return
		}
		topic := &store.Topic{Name: args[1], Description: strings.Join(args[2:], " ")}
		if err := r.store.CreateTopic(ctx, topic); err != nil {
			r.logger.Warn("topic create failed", "name", args[1], "error", err)
			send("Failed to create topic %q.", args[1])
			return
		}
		send("Topic %q created. /monitor entity add %s {name} {url} populates it.", topic.Name, topic.Name)
	case "list":
		topics, err := r.store.ListTopics(ctx)
		if err != nil {
			send("Failed to list topics.")
			return
		}
		if len(topics) == 0 {
			send("No topics. /monitor topic add {name} starts one.")
			return
		}
		var b strings.Builder
		b.WriteString("Topics:\n")
		for _, tp := range topics {
			entities, _ := r.store.ListEntities(ctx, tp.ID)
			fmt.Fprintf(&b, "- %s (%d entities)%s\n", tp.Name, len(entities), suffixIf(tp.Description, " — "+tp.Description))
		}
		send("%s", strings.TrimRight(b.String(), "\n"))
	case "rm":
		if len(args) < 2 {
			send("Usage: /monitor topic rm {name}")
			return
		}
		topic, err := r.store.GetTopicByName(ctx, args[1])
		if err != nil || topic == nil {
			send("No topic named %q.", args[1])
			return
		}
		if _, err := r.store.DeleteTopic(ctx, topic.ID); err != nil {
			send("Failed to delete topic %q.", args[1])
			return
		}
		send("Topic %q and everything under it deleted.", args[1])
	default:
		send("Usage: /monitor topic add|list|rm")
	}
}

func (r *CommandRouter) monitorEntity(ctx context.Context, send func(string, ...any), args []string) {
	if len(args) == 0 {
		send("Usage: /monitor entity add {topic} {name} {url} [type] | list {topic} | rm {id}")
		return
	}
	switch args[0] {
	case "add":
		if len(args) < 4 {
			send("Usage: /monitor entity add {topic} {name} {url} [company|person|organization|product]")
			return
		}
		topic, err := r.store.GetTopicByName(ctx, args[1])
		if err != nil || topic == nil {
			send("No topic named %q. /monitor topic add %s first.", args[1], args[1])
			return
		}
		entityType := store.EntityCompany
		if len(args) > 4 {
			entityType = strings.ToLower(args[4])
		}
		switch entityType {
		case store.EntityCompany, store.EntityPerson, store.EntityOrganization, store.EntityProduct:
		default:
			send("Entity types: company, person, organization, product.")
			return
		}
		e := &store.Entity{TopicID: topic.ID, Name: args[2], URL: args[3], EntityType: entityType}
		if err := r.store.CreateEntity(ctx, e); err != nil {
			r.logger.Warn("entity create failed", "name", args[2], "error", err)
			send("Failed to add the entity.")
			return
		}
		send("Entity %q (#%d) added to %q. /monitor resource add %d {name} {url} [type] tracks its pages.", e.Name, e.ID, topic.Name, e.ID)
	case "list":
		if len(args) < 2 {
			send("Usage: /monitor entity list {topic}")
			return
		}
		topic, err := r.store.GetTopicByName(ctx, args[1])
		if err != nil || topic == nil {
			send("No topic named %q.", args[1])
			return
		}
		entities, err := r.store.ListEntities(ctx, topic.ID)
		if err != nil {
			send("Failed to list entities.")
			return
		}
		if len(entities) == 0 {
			send("Topic %q has no entities yet.", topic.Name)
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Entities in %q:\n", topic.Name)
		for _, e := range entities {
			fmt.Fprintf(&b, "- #%d %s (%s) %s\n", e.ID, e.Name, e.EntityType, e.URL)
		}
		send("%s", strings.TrimRight(b.String(), "\n"))
	case "rm":
		if len(args) < 2 {
			send("Usage: /monitor entity rm {id}")
			return
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			send("Entity ids are numbers; /monitor entity list {topic} shows them.")
			return
		}
		ok, err := r.store.DeleteEntity(ctx, id)
		if err != nil || !ok {
			send("No entity #%d.", id)
			return
		}
		send("Entity #%d and its resources deleted.", id)
	default:
		send("Usage: /monitor entity add|list|rm")
	}
}

func (r *CommandRouter) monitorResource(ctx context.Context, send func(string, ...any), args []string) {
	if len(args) == 0 {
		send("Usage: /monitor resource add {entity-id} {name} {url} [type] | list [topic] | rm {id} | enable {id} | disable {id}")
		return
	}
	switch args[0] {
	case "add":
		if len(args) < 4 {
			send("Usage: /monitor resource add {entity-id} {name} {url} [blog|repo|pricing|jobs|changelog|deals]")
			return
		}
		entityID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			send("Entity ids are numbers; /monitor entity list {topic} shows them.")
			return
		}
		if e, err := r.store.GetEntity(ctx, entityID); err != nil || e == nil {
			send("No entity #%d.", entityID)
			return
		}
		resourceType := store.ResourceBlog
		if len(args) > 4 {
			resourceType = strings.ToLower(args[4])
		}
		switch resourceType {
		case store.ResourceBlog, store.ResourceRepo, store.ResourcePricing, store.ResourceJobs, store.ResourceChangelog, store.ResourceDeals:
		default:
			send("Resource types: blog, repo, pricing, jobs, changelog, deals.")
			return
		}
		res := &store.Resource{EntityID: entityID, Name: args[2], URL: args[3], ResourceType: resourceType, Enabled: true}
		if err := r.store.CreateResource(ctx, res); err != nil {
			r.logger.Warn("resource create failed", "name", args[2], "error", err)
			send("Failed to add the resource.")
			return
		}
		send("Resource %q (#%d) tracked as %s. The next sweep picks it up.", res.Name, res.ID, resourceType)
	case "list":
		topicID := int64(0)
		if len(args) > 1 {
			topic, err := r.store.GetTopicByName(ctx, args[1])
			if err != nil || topic == nil {
				send("No topic named %q.", args[1])
				return
			}
			topicID = topic.ID
		}
		resources, err := r.store.ListResources(ctx, 0, topicID)
		if err != nil {
			send("Failed to list resources.")
			return
		}
		if len(resources) == 0 {
			send("No resources tracked yet.")
			return
		}
		var b strings.Builder
		b.WriteString("Resources:\n")
		for _, res := range resources {
			state := ""
			if !res.Enabled {
				state = " [off]"
			}
			checked := "never checked"
			if !res.LastCheckedAt.IsZero() {
				checked = "checked " + res.LastCheckedAt.UTC().Format("Jan 2 15:04")
			}
			fmt.Fprintf(&b, "- #%d %s (%s)%s — %s\n", res.ID, res.Name, res.ResourceType, state, checked)
		}
		send("%s", strings.TrimRight(b.String(), "\n"))
	case "rm":
		if len(args) < 2 {
			send("Usage: /monitor resource rm {id}")
			return
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			send("Resource ids are numbers; /monitor resource list shows them.")
			return
		}
		ok, err := r.store.DeleteResource(ctx, id)
		if err != nil || !ok {
			send("No resource #%d.", id)
			return
		}
		send("Resource #%d deleted.", id)
	case "enable", "disable":
		if len(args) < 2 {
			send("Usage: /monitor resource %s {id}", args[0])
			return
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			send("Resource ids are numbers.")
			return
		}
		ok, err := r.store.SetResourceEnabled(ctx, id, args[0] == "enable")
		if err != nil || !ok {
			send("No resource #%d.", id)
			return
		}
		send("Resource #%d %sd.", id, args[0])
	default:
		send("Usage: /monitor resource add|list|rm|enable|disable")
	}
}

func (r *CommandRouter) monitorSubscribe(ctx context.Context, send func(string, ...any), in Inbound, args []string) {
	if len(args) < 1 {
		send("Usage: /monitor subscribe {topic}")
		return
	}
	topic, err := r.store.GetTopicByName(ctx, args[0])
	if err != nil || topic == nil {
		send("No topic named %q.", args[0])
		return
	}
	sub := &store.Subscriber{
		ChannelType:   store.ChannelTelegram,
		ChannelConfig: strconv.FormatInt(in.ChatID, 10),
		TopicID:       topic.ID,
		Enabled:       true,
	}
	if err := r.store.CreateSubscriber(ctx, sub); err != nil {
		r.logger.Warn("subscribe failed", "topic", topic.Name, "error", err)
		send("Failed to subscribe.")
		return
	}
	send("This chat now receives %q digests.", topic.Name)
}

func (r *CommandRouter) monitorCheck(ctx context.Context, send func(string, ...any), args []string) {
	if r.monitor == nil {
		send("Monitoring is not available in this run mode.")
		return
	}
	var topicID int64
	label := "all topics"
	if len(args) > 0 {
		topic, err := r.store.GetTopicByName(ctx, args[0])
		if err != nil || topic == nil {
			send("No topic named %q.", args[0])
			return
		}
		topicID = topic.ID
		label = fmt.Sprintf("topic %q", topic.Name)
	}
	send("Sweeping %s; results follow.", label)

	// Sweeps fetch pages and call the agent, so they outlive the update.
	bg := context.WithoutCancel(ctx)
	go func() {
		var (
			checked, changed int
			err              error
		)
		if topicID != 0 {
			checked, changed, err = r.monitor.CheckTopic(bg, topicID)
		} else {
			checked, changed, err = r.monitor.CheckAll(bg)
		}
		if err != nil {
			r.logger.Warn("manual sweep failed", "error", err)
			send("Sweep failed: %v", err)
			return
		}
		send("Sweep done: %d resources checked, %d changed.", checked, changed)
	}()
}

func (r *CommandRouter) monitorBaseline(ctx context.Context, send func(string, ...any)) {
	if r.monitor == nil {
		send("Monitoring is not available in this run mode.")
		return
	}
	send("Writing baseline digests; results follow.")
	bg := context.WithoutCancel(ctx)
	go func() {
		n, err := r.monitor.GenerateBaselineDigests(bg)
		if err != nil {
			r.logger.Warn("baseline digests failed", "error", err)
			send("Baseline pass failed: %v", err)
			return
		}
		send("Baseline pass done: %d digests written.", n)
	}()
}

func (r *CommandRouter) monitorReport(ctx context.Context, t transport.Transport, send func(string, ...any), args []string) {
	if r.monitor == nil {
		send("Monitoring is not available in this run mode.")
		return
	}
	if len(args) < 1 {
		send("Usage: /monitor report {topic}")
		return
	}
	topicName := args[0]
	if topic, err := r.store.GetTopicByName(ctx, topicName); err != nil || topic == nil {
		send("No topic named %q.", topicName)
		return
	}
	send("Synthesizing the %q report; it lands here when ready.", topicName)
	bg := context.WithoutCancel(ctx)
	go func() {
		path, err := r.monitor.GenerateReport(bg, topicName)
		if err != nil {
			r.logger.Warn("report generation failed", "topic", topicName, "error", err)
			send("Report failed: %v", err)
			return
		}
		if err := t.ReplyDocument(bg, path, topicName+"-report.md", "Latest "+topicName+" report"); err != nil {
			r.logger.Warn("report send failed", "path", path, "error", err)
			send("Report written to %s but sending it failed.", path)
		}
	}()
}

func (r *CommandRouter) monitorDigest(ctx context.Context, send func(string, ...any), args []string) {
	topicID := int64(0)
	if len(args) > 0 {
		topic, err := r.store.GetTopicByName(ctx, args[0])
		if err != nil || topic == nil {
			send("No topic named %q.", args[0])
			return
		}
		topicID = topic.ID
	}
	digests, err := r.store.ListDigests(ctx, topicID, 0, 5)
	if err != nil {
		r.logger.Warn("digest list failed", "error", err)
		send("Failed to load digests.")
		return
	}
	if len(digests) == 0 {
		send("No digests yet. /monitor check runs a sweep.")
		return
	}
	var b strings.Builder
	b.WriteString("Latest digests:\n")
	for _, d := range digests {
		fmt.Fprintf(&b, "- [%s %s] %s\n", d.ChangeType, d.CreatedAt.UTC().Format("Jan 2"), clip(d.Summary, 200))
	}
	send("%s", strings.TrimRight(b.String(), "\n"))
}

// --- dashboard tokens ---

func (r *CommandRouter) cmdDashboard(ctx context.Context, send func(string, ...any), args []string) {
	if len(args) == 0 {
		tokens, err := r.store.ListDashboardTokens(ctx)
		if err != nil {
			r.logger.Warn("token list failed", "error", err)
			send("Failed to list tokens.")
			return
		}
		state := "disabled"
		if r.cfg.Dashboard.Enabled {
			state = fmt.Sprintf("on %s:%d", orDefault(r.cfg.Dashboard.Host, "127.0.0.1"), r.cfg.Dashboard.Port)
		}
		if len(tokens) == 0 {
			send("Dashboard %s. No tokens; /dashboard add {name} mints one.", state)
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Dashboard %s. Tokens:\n", state)
		for _, tok := range tokens {
			status := "enabled"
			if !tok.Enabled {
				status = "disabled"
			}
			used := "never used"
			if !tok.LastUsedAt.IsZero() {
				used = "last used " + tok.LastUsedAt.UTC().Format("Jan 2 15:04")
			}
			fmt.Fprintf(&b, "- %s (%s…) %s, %s\n", tok.Name, tok.TokenPrefix, status, used)
		}
		send("%s", strings.TrimRight(b.String(), "\n"))
		return
	}
	switch args[0] {
	case "add":
		if len(args) < 2 {
			send("Usage: /dashboard add {name}")
			return
		}
		raw, err := mintToken()
		if err != nil {
			r.logger.Error("token mint failed", "error", err)
			send("Failed to mint a token.")
			return
		}
		tok, err := r.store.CreateDashboardToken(ctx, args[1], raw)
		if err != nil {
			r.logger.Warn("token create failed", "name", args[1], "error", err)
			send("Failed to store the token; is the name %q taken?", args[1])
			return
		}
		send("Token %q minted. Shown once, store it now:\n%s", tok.Name, raw)
	case "enable", "disable":
		if len(args) < 2 {
			send("Usage: /dashboard %s {name}", args[0])
			return
		}
		ok, err := r.store.SetDashboardTokenEnabled(ctx, args[1], args[0] == "enable")
		if err != nil || !ok {
			send("No token named %q.", args[1])
			return
		}
		send("Token %q %sd.", args[1], args[0])
	case "revoke":
		if len(args) < 2 {
			send("Usage: /dashboard revoke {name}")
			return
		}
		ok, err := r.store.RevokeDashboardToken(ctx, args[1])
		if err != nil || !ok {
			send("No token named %q.", args[1])
			return
		}
		send("Token %q revoked.", args[1])
	default:
		send("Usage: /dashboard [add|enable|disable|revoke {name}]")
	}
}

// mintToken returns 32 random bytes hex-encoded.
func mintToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// --- small helpers ---

// splitList normalizes "a, b c" style argument tails into a clean list.
func splitList(args []string) []string {
	var out []string
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

func suffixIf(cond, suffix string) string {
	if cond == "" {
		return ""
	}
	return suffix
}
