// Package consult manages Session rows.
//
// Owners create and rename sessions; the backend flips the finished flag
// through MarkFinished. After each row update a changefeed.SessionChange is
// published so that lifecycle coordinators watching the session can react.
// Sessions owned by another principal look exactly like missing ones.
package consult
