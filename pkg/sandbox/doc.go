/*
Package sandbox executes agent CLIs in isolated, single-use workspaces.

Two runtimes implement the same Runtime interface. The containerd runtime
runs each agent in a fresh container with a private network namespace
(unless the agent needs egress), memory and CPU limits, and the workspace
bind-mounted read-write. The process runtime is a fallback for hosts
without containerd: it runs the agent as a child process with a minimized
environment, a file size rlimit and process group kill on timeout.

# Workspace layout

Every execution gets a private 0700 directory that is removed afterwards:

	<workspace>/
	├── <input files>     staged decrypted user data
	├── out/              agents write artifacts here
	└── home/             agent HOME, keeps CLI state out of the host

Only files under out/ are collected as artifacts. Paths are resolved
relative to the workspace root; anything escaping it is rejected.

# Output protocol

Agents report through stdout. The final JSON object line carrying a
"status" key is taken as the structured result, and a sentinel line marks
orderly completion. Streaming stops a few lines after the sentinel so a
chatty agent cannot hold the stream open. Secret values passed to the
agent are redacted from every captured line.
*/
package sandbox
