package provider

import "github.com/zhouzirui/koder/backend/internal/config"

// Provider identifiers accepted by the chat API.
const (
	Claude   = "claude"
	Opencode = "opencode"
)

// Provider describes how to invoke one assistant CLI.
type Provider struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Command is the executable to spawn. Script, when set, is passed as the
	// first argument (interpreter-launched tools).
	Command string `json:"-"`
	Script  string `json:"-"`

	// SessionFlag threads the session id to the tool. FlagFirst places it
	// before the message instead of after.
	SessionFlag string `json:"-"`
	FlagFirst   bool   `json:"-"`
	// EndOfOptions puts "--" before the message so text starting with a dash
	// is not parsed as a flag. Only honoured when no flag follows the message.
	EndOfOptions bool `json:"-"`
}

// Invocation returns the executable and argument list for one turn. An empty
// sessionID omits the session flag.
func (p Provider) Invocation(message, sessionID string) (string, []string) {
	args := make([]string, 0, 4)
	if p.Script != "" {
		args = append(args, p.Script)
	}

	var flag []string
	if sessionID != "" && p.SessionFlag != "" {
		flag = []string{p.SessionFlag, sessionID}
	}

	if p.FlagFirst {
		args = append(args, flag...)
		if p.EndOfOptions {
			args = append(args, "--")
		}
		args = append(args, message)
	} else {
		args = append(args, message)
		args = append(args, flag...)
	}
	return p.Command, args
}

// Seed builds the supported providers from configuration.
func Seed(cfg config.ProviderConfig) []Provider {
	return []Provider{
		{
			ID:           Claude,
			Name:         "Claude Code",
			Description:  "Anthropic's coding assistant CLI",
			Command:      cfg.ClaudeBinary,
			SessionFlag:  "--session-id",
			FlagFirst:    true,
			EndOfOptions: true,
		},
		{
			ID:          Opencode,
			Name:        "opencode",
			Description: "opencode terminal assistant",
			Command:     cfg.OpencodeInterpreter,
			Script:      cfg.OpencodeBinary,
			SessionFlag: "--session",
		},
	}
}
