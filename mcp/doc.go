// Package mcp exposes a payment client as Model Context Protocol tools so
// that agents can pay for resources, inspect escrows and raise disputes.
//
// Tools:
//
//	health_check     client and facilitator status, free
//	paid_request     performs a request, paying on 402
//	escrow_status    one escrow record by transaction id
//	list_escrows     every escrow created by this agent
//	dispute_escrow   disputes an escrow
//	list_networks    networks the facilitator supports
//
// Usage:
//
//	server, err := mcp.NewServer(mcp.Config{Client: client, Facilitator: f})
//	if err != nil { ... }
//	err = server.Run(ctx, &mcpsdk.StdioTransport{})
package mcp
