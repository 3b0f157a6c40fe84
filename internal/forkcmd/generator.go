// Package forkcmd generates the shell commands that resume work from a chosen
// session. The producer's CLI syntax is consumer-specific and changes between
// releases, so the commands are opaque templates loaded from configuration;
// only {session_id} and {path} placeholders are interpreted.
package forkcmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forkdex/forkdex/pkg/types"
)

// Templates holds the two resume-command templates.
type Templates struct {
	// Terminal is the command to run from a fresh shell.
	Terminal string `yaml:"terminal"`

	// InSession is the command to paste into a running assistant session.
	InSession string `yaml:"in_session"`
}

// defaultTemplates are used when no template file exists.
var defaultTemplates = Templates{
	Terminal:  "claude --resume {session_id}",
	InSession: "/resume {session_id}",
}

// Command is a generated pair of resume commands for one session.
type Command struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path,omitempty"` // transcript path, when found
	Terminal  string `json:"terminal_command"`
	InSession string `json:"in_session_command"`
}

// Generator renders fork commands.
type Generator struct {
	templates   Templates
	producerDir string
}

// New loads templates from templatePath (YAML, optional) and remembers the
// producer directory for transcript lookups. A missing template file falls
// back to the compiled-in defaults; a malformed one is an error so a typo is
// not silently ignored.
func New(templatePath, producerDir string) (*Generator, error) {
	g := &Generator{templates: defaultTemplates, producerDir: producerDir}

	data, err := os.ReadFile(templatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, fmt.Errorf("forkcmd: read templates: %w", err)
	}

	var loaded Templates
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("forkcmd: parse templates: %w", err)
	}
	if loaded.Terminal != "" {
		g.templates.Terminal = loaded.Terminal
	}
	if loaded.InSession != "" {
		g.templates.InSession = loaded.InSession
	}
	return g, nil
}

// Generate renders both commands for a session, resolving the transcript path
// under the producer directory when possible.
func (g *Generator) Generate(sessionID string, session *types.Session) Command {
	path := ""
	if session != nil && session.Path != "" {
		path = session.Path
	} else {
		path = g.findTranscript(sessionID)
	}

	render := func(tpl string) string {
		out := strings.ReplaceAll(tpl, "{session_id}", sessionID)
		out = strings.ReplaceAll(out, "{path}", path)
		return out
	}

	return Command{
		SessionID: sessionID,
		Path:      path,
		Terminal:  render(g.templates.Terminal),
		InSession: render(g.templates.InSession),
	}
}

// findTranscript locates the session's transcript file under the producer
// directory by file name. Returns empty when not found.
func (g *Generator) findTranscript(sessionID string) string {
	if g.producerDir == "" {
		return ""
	}

	var found string
	filepath.WalkDir(g.producerDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return fs.SkipAll
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.TrimSuffix(name, filepath.Ext(name)) == sessionID {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// Format renders a command pair plus session metadata as display text.
func Format(cmd Command, session *types.Session) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s", cmd.SessionID)
	if session != nil {
		fmt.Fprintf(&sb, " (%s", session.Project)
		if !session.UpdatedAt.IsZero() {
			fmt.Fprintf(&sb, ", last active %s", session.UpdatedAt.Format("2006-01-02"))
		}
		sb.WriteString(")")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  terminal:   %s\n", cmd.Terminal)
	fmt.Fprintf(&sb, "  in-session: %s\n", cmd.InSession)
	return sb.String()
}
