// Package testutil provides testing utilities and fixtures for apiguard: a controllable
// clock, an in-memory event recorder, OAuth2 token fixtures and a few assertion helpers.
package testutil
