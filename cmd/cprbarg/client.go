package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/rs/zerolog"

	"github.com/lox/cprbargain/internal/tui"
	"github.com/lox/cprbargain/sdk/client"
)

// ClientCmd runs the interactive terminal participant.
type ClientCmd struct {
	Server   string `default:"ws://localhost:8080/ws" help:"Server websocket URL"`
	Name     string `short:"n" help:"Participant name"`
	LogLevel string `short:"l" default:"info" enum:"debug,info,warn,error" help:"Log level"`
	LogFile  string `default:"cprbarg-client.log" help:"Log file path"`
}

func (c *ClientCmd) Run() error {
	if c.Name == "" {
		fmt.Print("Enter your name: ")
		var input string
		_, _ = fmt.Scanln(&input)
		c.Name = strings.TrimSpace(input)
		if c.Name == "" {
			return fmt.Errorf("a name is required")
		}
	}

	logFile, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger := log.NewWithOptions(logFile, log.Options{Level: level, ReportTimestamp: true})
	logger.Info("Starting client", "server", c.Server, "name", c.Name)

	// The websocket client logs through zerolog into the same file.
	wsLogger := zerolog.New(logFile).With().Timestamp().Logger().Level(zerologLevel(level))

	var program *tea.Program
	bridge := tui.NewBridge(func(msg tea.Msg) { program.Send(msg) })
	participant := client.New(c.Name, bridge, wsLogger)
	model := tui.NewModel(participant, logger)
	program = tea.NewProgram(model, tea.WithAltScreen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := participant.Connect(ctx, c.Server); err != nil {
		return err
	}
	go func() {
		err := participant.Run(ctx)
		if ctx.Err() == nil {
			program.Send(tui.DisconnectedMsg{Err: err})
		}
	}()

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("run tui: %w", err)
	}
	cancel()
	_ = participant.Close()

	if summary, ok := model.Summary(); ok {
		for _, ps := range summary.Players {
			if ps.Player == participant.State().PlayerID {
				fmt.Printf("Paid round %d: you extracted %v and %v\n", ps.PaidRound, ps.ExtractionT1, ps.ExtractionT2)
			}
		}
	}
	return nil
}

func zerologLevel(l log.Level) zerolog.Level {
	switch l {
	case log.DebugLevel:
		return zerolog.DebugLevel
	case log.WarnLevel:
		return zerolog.WarnLevel
	case log.ErrorLevel:
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}
