// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the analysis engine to chat front-ends through
// two tools built on the mark3labs/mcp-go library:
//
//   - run_analysis executes a generated JavaScript analysis script against the
//     loaded dataset and returns the outcome as JSON text plus one PNG image
//     per chart. Failed outcomes are marked as errors and carry only a short,
//     user-safe message.
//   - describe_dataset returns the dataset's column summary so the script
//     author knows what fields exist.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, coordinator, dataset)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
