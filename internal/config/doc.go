// Package config loads and writes wsserver settings.
//
// Settings are layered with viper, lowest priority first:
//
//  1. Built-in defaults (NewSettings)
//  2. The YAML config file
//  3. WSSERVER_* environment variables, e.g. WSSERVER_SERVER_PORT
//  4. Command-line flags that were set explicitly
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/wsserver/config.yaml or $HOME/.config/wsserver/config.yaml
//   - macOS: $HOME/.config/wsserver/config.yaml
//   - Windows: %LOCALAPPDATA%\wsserver\config.yaml
//
// # Usage Example
//
//	settings, err := config.Load("", cmd.Flags())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	srv := server.New(settings.ServerOptions()...)
//	events, err := srv.Start(settings.StartOptions())
package config
