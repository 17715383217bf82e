package router

import (
	"sort"
	"strings"
)

// helpText lists the commands the caller may use, or details one command.
func (m *CommandManager) helpText(args []string, owner bool) string {
	if len(args) > 0 {
		name := sanitizeCommand(strings.TrimPrefix(args[0], "/"))
		c := m.lookup(name)
		if c == nil || (c.Access == AccessOwnerOnly && !owner) {
			return "Unknown command. Try /help"
		}
		return commandHelp(c)
	}

	m.mu.RLock()
	cmds := make([]*Command, 0, len(m.cmds))
	for _, c := range m.cmds {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		cmds = append(cmds, c)
	}
	m.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].Access != cmds[j].Access {
			return cmds[i].Access < cmds[j].Access
		}
		return cmds[i].Name < cmds[j].Name
	})

	lines := []string{"Available commands:"}
	admin := false
	for _, c := range cmds {
		if c.Access == AccessOwnerOnly && !admin {
			lines = append(lines, "", "Admin:")
			admin = true
		}
		line := "/" + c.Name
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + d
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "Type /help <command> for details.")
	return strings.Join(lines, "\n")
}

func commandHelp(c *Command) string {
	lines := []string{"/" + c.Name}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, d)
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "(admin only)")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "Usage: "+u)
	}
	if len(c.Aliases) > 0 {
		al := make([]string, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			al = append(al, "/"+a)
		}
		lines = append(lines, "Aliases: "+strings.Join(al, ", "))
	}
	return strings.Join(lines, "\n")
}
