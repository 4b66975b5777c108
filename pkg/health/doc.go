/*
Package health provides probes for workload readiness.

Three checker types implement the Checker interface: HTTP (hit a URL and
compare the status code), TCP (dial an address), and Exec (run a command
through a pluggable Runner, which platform adapters back with SSH to reach
the workload host).

Adapters combine checkers during watch polls: a bootstrap sentinel file probe
plus the container's declared HTTP health check decide when a workload is
marked ready.
*/
package health
