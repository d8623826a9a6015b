// ABOUTME: Agent-side library for connecting a device to the gateway
// ABOUTME: Handshake, encrypted session, capability handlers, reconnect loop

// Package agentclient implements the device side of the gateway
// protocol.
//
// A Client pairs with a pairing code or reconnects with saved
// Credentials, then answers capability invocations through registered
// Handlers. Wrap a Client in a Supervisor to keep it connected across
// network drops with bounded exponential backoff.
//
//	client, _ := agentclient.New(agentclient.Options{
//		URL:         "ws://gateway:8090/ws/agent",
//		DeviceID:    deviceID,
//		PairingCode: code,
//		OnCredentials: saveCredentials,
//	})
//	client.Handle("clipboard.read", readClipboard)
//	sup := agentclient.NewSupervisor(client, agentclient.SupervisorOptions{})
//	err := sup.Run(ctx)
package agentclient
