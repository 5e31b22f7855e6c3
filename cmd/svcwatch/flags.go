package main

import "time"

// Flag structs decouple cobra from command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

type ServeFlags struct {
	ConfigPath string
}

type StatusFlags struct {
	ConfigPath string
	Service    string
	JSON       bool
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type LogsFlags struct {
	ConfigPath string
	Service    string
	Lines      int
	Type       string
	JSON       bool
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type CheckFlags struct {
	ConfigPath string
	Service    string
	JSON       bool
	// Strict makes check fail when any service is not healthy.
	Strict bool
}
