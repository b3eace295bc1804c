// Package session manages device-bound login sessions.
//
// Each session carries an anti-fixation token generated once at creation. A session
// only validates when both the token and the device match, and it expires after the
// idle timeout. The Manager also caps concurrent sessions per user, refuses rapid
// creation bursts and flags sessions that change IP too often.
package session
