// Package transport constructs MCP clients for the three upstream
// transport kinds: stdio child processes, SSE and streamable HTTP.
package transport

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/mcpbroker/mcpbroker-go/internal/secureenv"
)

// StdioConfig describes a local child-process transport.
type StdioConfig struct {
	Command    string
	Args       []string
	Env        map[string]string
	EnvManager *secureenv.Manager
}

// CreateStdioClient builds an MCP client over a child process. The child
// inherits only the filtered environment plus the server's own env; any
// credential for a local server travels through env, never through
// headers.
func CreateStdioClient(cfg *StdioConfig) (*client.Client, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("no command specified for stdio transport")
	}

	envVars := cfg.EnvManager.BuildEnvironment()
	for k, v := range cfg.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	// Wrap in a shell so the user's PATH is respected even when the broker
	// was launched from a GUI session.
	command, args := wrapCommandInShell(cfg.Command, cfg.Args)

	stdioTransport := transport.NewStdio(command, envVars, args...)
	return client.NewClient(stdioTransport), nil
}

func wrapCommandInShell(command string, args []string) (string, []string) {
	fullCmd := command
	if len(args) > 0 {
		quoted := make([]string, len(args))
		for i, arg := range args {
			if strings.Contains(arg, " ") {
				quoted[i] = fmt.Sprintf("%q", arg)
			} else {
				quoted[i] = arg
			}
		}
		fullCmd = fmt.Sprintf("%s %s", command, strings.Join(quoted, " "))
	}

	if runtime.GOOS == "windows" {
		return "cmd.exe", []string{"/c", fullCmd}
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return shell, []string{"-l", "-c", fullCmd}
}
