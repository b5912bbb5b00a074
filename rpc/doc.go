// Package rpc serves the coordinator API over gRPC on a Unix domain socket.
//
// Messages are the plain structs of package api encoded as JSON, so no
// generated code is needed. The codec registers itself under the "json"
// content subtype and clients select it per call.
//
// Usage:
//
//	srv := rpc.NewServer(logger, coord)
//	go srv.Serve(lis)
//	defer srv.Shutdown(ctx)
//
//	client, err := rpc.Dial("/tmp/plcoordinator.sock")
//	resp, err := client.StartContainer(ctx, &api.StartContainerRequest{...})
package rpc
