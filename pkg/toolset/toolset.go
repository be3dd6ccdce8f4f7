// Package toolset discovers the default tool definitions advertised by an
// MCP server. The session only needs the definitions: the caller executes
// the tools out-of-process and feeds results back through resume.
package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cexll/replystream-go/pkg/engine"
)

const (
	clientName    = "replystream"
	clientVersion = "1.0.0"
)

// Client lists tool definitions from one MCP server session.
type Client struct {
	session *mcp.ClientSession
}

// ConnectCommand starts an MCP server as a subprocess over stdio and
// performs the initialize handshake.
func ConnectCommand(ctx context.Context, command string, args ...string) (*Client, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil)
	transport := &mcp.CommandTransport{Command: exec.Command(command, args...)}
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("toolset: connect %s: %w", command, err)
	}
	return &Client{session: session}, nil
}

// ConnectStreamable connects to a remote MCP server over streamable HTTP.
func ConnectStreamable(ctx context.Context, endpoint string) (*Client, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil)
	transport := &mcp.StreamableClientTransport{Endpoint: endpoint}
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("toolset: connect %s: %w", endpoint, err)
	}
	return &Client{session: session}, nil
}

// ListDefinitions fetches the server's tool list and converts it to the
// engine's neutral definitions.
func (c *Client) ListDefinitions(ctx context.Context) ([]engine.ToolDefinition, error) {
	res, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("toolset: list tools: %w", err)
	}
	defs := make([]engine.ToolDefinition, 0, len(res.Tools))
	for _, tool := range res.Tools {
		def := engine.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
		}
		if tool.InputSchema != nil {
			schema, err := json.Marshal(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("toolset: tool %s schema: %w", tool.Name, err)
			}
			def.Parameters = schema
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Close tears down the server session.
func (c *Client) Close() error {
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}
