package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/guseggert/agentbridge/client"
	"github.com/guseggert/agentbridge/protocol"
)

var errQuit = errors.New("quit")

// chat runs one interactive session: each line is a prompt, except for the slash commands handled here.
type chat struct {
	out      io.Writer
	session  *client.Session
	uploader *client.Uploader

	// pending attachments are sent with the next prompt.
	pending []protocol.Attachment
}

const helpText = `commands:
  /image PATH   upload an image and attach it to the next prompt
  /history      print the session history
  /quit         end the session
`

func (c *chat) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprint(c.out, helpText)
		return nil
	case "/image":
		return c.attachImage(ctx, strings.TrimSpace(arg))
	case "/history":
		return c.history(ctx)
	}
	return c.ask(ctx, line)
}

func (c *chat) attachImage(ctx context.Context, path string) error {
	if path == "" {
		fmt.Fprintln(c.out, "usage: /image PATH")
		return nil
	}
	if c.uploader == nil {
		fmt.Fprintln(c.out, "uploads are not available for this gateway")
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(c.out, "reading %s: %s\n", path, err)
		return nil
	}
	name := filepath.Base(path)
	remotePath, err := c.uploader.UploadImage(ctx, data, name)
	if err != nil {
		fmt.Fprintf(c.out, "upload failed: %s\n", err)
		return nil
	}
	c.pending = append(c.pending, protocol.FileAttachment(remotePath, name))
	fmt.Fprintf(c.out, "attached %s\n", name)
	return nil
}

func (c *chat) history(ctx context.Context) error {
	events, err := c.session.Messages(ctx)
	if err != nil {
		return fmt.Errorf("fetching history: %w", err)
	}
	for _, ev := range events {
		data, err := ev.Decode()
		if err != nil {
			continue
		}
		switch d := data.(type) {
		case protocol.UserMessageData:
			fmt.Fprintf(c.out, "you: %s\n", d.Content)
		case protocol.AssistantMessageData:
			fmt.Fprintf(c.out, "agent: %s\n", d.Content)
		}
	}
	return nil
}

// ask sends prompt and streams the reply. A session.error ends only the turn, not the chat.
func (c *chat) ask(ctx context.Context, prompt string) error {
	opts := protocol.MessageOptions{Prompt: prompt, Attachments: c.pending}
	c.pending = nil

	streaming := false
	for ev, err := range c.session.Query(ctx, opts) {
		if err != nil {
			if streaming {
				fmt.Fprintln(c.out)
			}
			return err
		}
		data, err := ev.Decode()
		if err != nil {
			continue
		}
		switch d := data.(type) {
		case protocol.AssistantMessageDeltaData:
			if !streaming {
				fmt.Fprint(c.out, "agent: ")
				streaming = true
			}
			fmt.Fprint(c.out, d.DeltaContent)
		case protocol.AssistantMessageData:
			if !streaming && d.Content != "" {
				fmt.Fprintf(c.out, "agent: %s", d.Content)
				streaming = true
			}
		case protocol.ToolExecutionStartData:
			fmt.Fprintf(c.out, "[tool %s %s]\n", d.ToolName, string(d.Arguments))
		case protocol.ToolExecutionCompleteData:
			if !d.Success && d.Error != nil {
				fmt.Fprintf(c.out, "[tool failed: %s]\n", d.Error.Message)
			}
		case protocol.SessionErrorData:
			fmt.Fprintf(c.out, "error: %s\n", d.Message)
		}
	}
	if streaming {
		fmt.Fprintln(c.out)
	}
	return nil
}
