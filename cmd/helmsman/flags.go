package main

import "time"

// GlobalFlags are the persistent flags of every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// RemoteFlags address a running orchestrator.
type RemoteFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

func (g *GlobalFlags) remote() RemoteFlags {
	return RemoteFlags{APIUrl: g.APIUrl, APITimeout: g.APITimeout}
}

type RunFlags struct {
	ConfigPath string
	Listen     string
	BasePath   string
	NoStart    bool
}

type StatusFlags struct {
	ID   string
	JSON bool
}

type LogsFlags struct {
	ID    string
	Lines int
}

type HistoryFlags struct {
	ID    string
	Limit int
}

type PortsClearFlags struct {
	Ports   []int
	Timeout time.Duration
	Grace   time.Duration
}

type ResolveFlags struct {
	ConfigPath string
	IDs        []string
}

type InitFlags struct {
	Type   string
	ID     string
	Port   int
	Owner  string
	Output string
}
