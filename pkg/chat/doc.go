// Package chat implements the conversational session manager.
//
// A Manager composes a session.Store with a model.Client. Each call to
// SubmitTurn records the user message, streams the model reply to the caller
// through a Turn and, when the stream completes cleanly, records exactly one
// assistant message. Failed, timed out or abandoned turns leave the user
// message in place with no reply; ResumeTurn answers it later.
//
//	turn, err := mgr.SubmitTurn(ctx, id, "hello")
//	if err != nil { ... }
//	defer turn.Close()
//	for turn.Next() {
//		fmt.Print(turn.Fragment())
//	}
//	if err := turn.Err(); err != nil { ... }
package chat
