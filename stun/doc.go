// Package stun discovers NAT mapping and filtering behavior with STUN.
//
// Client runs the five step test chain of RFC 5780 against one server on a
// socket shared with other protocols: a plain binding, two behavior tests
// against the server's other address and two filtering tests using
// CHANGE-REQUEST. Datagrams that are not answers to the test in flight are
// passed to the socket handler the client replaced.
//
//	socket, _ := net.Listen("", 0)
//	results, err := stun.Resolve(ctx, socket, "stun.example.org")
//	if err == nil {
//	    log.Println(results)
//	}
//
// Server answers binding requests on a grid of up to four sockets spread
// over two hosts and two ports. CHANGE-REQUEST flags pick the socket that
// answers, relative to the one the request arrived on.
package stun
