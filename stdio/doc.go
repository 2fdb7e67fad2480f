// Package stdio runs MCP sessions over newline-delimited JSON on a pair of
// byte streams, by default stdin and stdout. It is intended for embedding
// servers as subprocesses and for local development.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 peer
//	Framing          : one JSON-RPC envelope per line
//	Sessions         : one server.Session per Handler
//
// Example:
//
//	srv := server.New("my-stdio-server", server.WithVersion("0.1.0"))
//	srv.AddTools(server.NewTool("echo", echo))
//	h := stdio.NewHandler(srv)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//
// NewStreams exposes the framing alone, for clients or custom wiring.
package stdio
