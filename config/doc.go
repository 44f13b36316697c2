// Package config provides application configuration management.
//
// The config package loads the bot configuration from a YAML file, SANDBOT_*
// environment variables (optionally from a .env file) and the command line.
// It covers the chat platform, the sandbox backend and deadline, the temp
// workspace, logging and the status endpoint.
//
// The command line accepts both flags and the bare words keeptemp,
// keepmessages, cleartemp and token=<value>.
//
// Usage:
//
//	cfg, err := config.Load(os.Args[1:])
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
