// Package mcplsp implements an LSP-shaped JSON-RPC 2.0 framework extended with the Model
// Context Protocol methods (model/request, context/update, capability/query). It provides
// the message model, interchangeable transports, and symmetric client and server
// endpoints that negotiate capabilities and keep open text documents in sync.
//
// Messages travel over a Transport. Stream transports (StdIO and TCP) frame every message
// with a Content-Length header, while message-oriented transports (WebSocket, IPC and SSE)
// carry one message per frame. Every transport can dial a peer with Connect, or listen
// with Start and hand out one Transport per accepted peer through EventConnection events.
//
// A Client drives one transport through the connection lifecycle:
//
//	transport := mcplsp.NewTCP("localhost:7998")
//	client := mcplsp.NewClient(transport, mcplsp.WithClientInfo(mcplsp.Info{Name: "editor"}))
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Disconnect(ctx)
//
//	_ = client.OpenDocument(ctx, "file:///main.go", "go", "package main\n")
//	items, err := client.Completion(ctx, "file:///main.go", mcplsp.Position{Line: 0, Character: 8})
//
// A Server accepts peers from a listening transport and routes each message to the
// Handler registered for its method. Built-in handlers cover the lifecycle, document
// synchronization and MCP methods; feature methods such as textDocument/hover are
// served by registering handlers:
//
//	srv := mcplsp.NewServer(mcplsp.Info{Name: "lang", Version: "1.0.0"}, mcplsp.NewTCP(":7998"),
//		mcplsp.WithHandler(mcplsp.MethodHover, mcplsp.HandlerFunc(hover)))
//	if err := srv.Start(ctx); err != nil {
//		return err
//	}
//	defer srv.Stop(ctx)
package mcplsp
