package registry

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// Prompter obtains a password that is not stored in the configuration file.
type Prompter interface {
	Password(server string) (string, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(server string) (string, error)

// Password calls f.
func (f PrompterFunc) Password(server string) (string, error) {
	return f(server)
}

// TerminalPrompter asks on the controlling terminal with echo disabled.
type TerminalPrompter struct {
	In  *os.File
	Out io.Writer
}

// NewTerminalPrompter prompts on stdin and writes the question to stderr.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

// Password reads one line from the terminal without echoing it.
func (p *TerminalPrompter) Password(server string) (string, error) {
	fd := int(p.In.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal available to prompt for the password of server %s", server)
	}

	fmt.Fprintf(p.Out, "Enter password for server %s: ", server)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(p.Out)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(password), nil
}
