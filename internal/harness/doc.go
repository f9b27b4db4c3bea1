// Package harness runs process scenarios against the engine.
//
// A scenario deploys a model, starts one process instance and then plays a
// list of steps: task outcomes reported by a worker, calls on the engine API,
// clock advances and retry sweeps. Every dispatch, withdrawal and step is
// recorded in a trace that assertions and golden files are checked against.
//
// # Scenario Format
//
//	name: order_happy_path
//	description: "Both branches complete and the join fires"
//	model: models/order.yaml
//	payload: { order: { total: 42 } }
//	steps:
//	  - complete: charge
//	    result: { id: "rcpt-1" }
//	  - fail: ship
//	    error: "carrier down"
//	    retry: true
//	  - advance: 2s
//	  - sweep: true
//	  - finish: ship
//	    expect: { state: complete }
//	assertions:
//	  - type: trace_order
//	    nodes: [charge, ship]
//	  - type: node_state
//	    node: merge
//	    state: complete
//	  - type: instance_status
//	    status: retired
//
// # Steps
//
//   - complete, fail: the worker holding the node's pending task reports a
//     result or an error (retry marks the error transient)
//   - finish, update, tickle: FinishTask, UpdateTaskState and Tickle on the
//     node's latest instance
//   - advance: moves the scenario clock forward
//   - sweep: runs one retry sweep
//
// # Assertion Types
//
//   - trace_contains: an event of the given type (default dispatch) for a node,
//     optionally with matching input
//   - trace_order: nodes were first dispatched in the given order
//   - trace_count: a node was dispatched exactly N times
//   - node_state: the latest instance of a node is in the given state
//   - instance_status: the process instance has the given status
//   - data: the process data contains the expected values
//
// # Deterministic Testing
//
// Scenarios run on an in-memory store with a fixed clock, sequential dispatch
// IDs and a constant retry delay, so traces are identical across runs and can
// be compared with golden files.
package harness
