// Package main is the entry point for the sandbot chat bot.
//
// The bot watches the allowed channels of a chat platform (Discord or an
// MCP client) for code submissions, builds and runs each one in a
// short-lived container and streams its console back into the channel.
// Follow-up messages become the program's standard input.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
//
//	sandbot token=<discord token> keepmessages
//	sandbot cleartemp
package main
