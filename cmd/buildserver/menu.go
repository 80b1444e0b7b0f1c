package main

import (
	"fmt"
	"strings"

	"github.com/nixpig/buildworker/internal/config"
)

// parseCommand returns the command of a chat message, e.g. "/start" for
// "/start@buildbot please". Messages that aren't commands return "".
func parseCommand(text string) string {
	command, _, _ := strings.Cut(strings.TrimSpace(text), " ")

	if !strings.HasPrefix(command, "/") {
		return ""
	}

	// Chat clients may address a command to a bot, e.g. /start@buildbot.
	command, _, _ = strings.Cut(command, "@")

	return command
}

func menu(commands []config.Command) string {
	var b strings.Builder

	b.WriteString("Available commands:\n")
	b.WriteString("/start - Show this menu\n")
	b.WriteString("/version - Show the server version\n")

	for _, c := range commands {
		description := c.Description
		if description == "" {
			description = fmt.Sprintf("Build %s", c.Project)
		}

		fmt.Fprintf(&b, "%s - %s\n", c.Command, description)
	}

	return strings.TrimSuffix(b.String(), "\n")
}
