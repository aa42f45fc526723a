// Package service implements supervision of detection worker processes and
// the capture schedule that drives them.
//
// Overview
// The Supervisor owns a registry of controllers keyed by session id. Starting
// a session loads its record, spawns one worker process and hands it to a
// per-session scheduling loop; stopping it cancels the loop, terminates the
// worker and tears the capture workspace down.
//
// Data flow:
//
//	Supervisor          controller{session}       worker.Worker
//	    |                      |                       |
//	Start(id) -> register ---->| run() --------------->| Spawn()
//	    |                      | delayed first tick    |
//	    |                      | capture ------------->| Send(capture)
//	    |                      |<----- Response -------| (seq matched)
//	    |  persist + broadcast |                       |
//	Stop(id) -> cancel ------->| (ticker stops)        | graceful stop, Kill
//
// Invariants:
//   - At most one controller per session id; Start and Stop are idempotent.
//   - At most one capture in flight per session: a tick arriving while the
//     previous capture runs is skipped, not queued, and not counted.
//   - Sessions never share state beyond the registry map; one session's
//     failures never reach another's controller.
//   - Both the scheduling loop and the worker's exit handler guard against
//     ticks firing at a dead worker, whichever disappears first.
//
// internal/service/supervisor_test.go shows the intended usage.
package service
