// Package client calls a consult gateway the way the chat UI does.
//
// Client wraps the HTTP routes:
//
//	c := client.New("http://localhost:8080", client.WithToken(identityToken))
//	resp, err := c.Send(ctx, &client.SendRequest{Message: "Hello", SessionID: id, MessageID: msgID})
//
// The relay may answer HTTP 200 with an error field; Send treats that as a
// failure. Failures are *apierr.Error values, so apierr.KindOf tells a
// rejected credential from a backend error.
//
// Chat holds the active session and its transcript. The user turn is appended
// before the relay call. When the reply arrives, Chat drops it if another
// session has been opened in the meantime, and does not append an assistant
// turn whose content is already in the transcript.
package client
