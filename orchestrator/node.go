// Package orchestrator owns the incident lifecycle state machine. The
// machine is an explicit in-process transition table driven by durable
// timers and external resume signals, so a lifecycle survives process
// restarts and tolerates duplicate or out-of-order event delivery.
package orchestrator

// Node is one step of the lifecycle state machine. Nodes are orchestration
// positions, distinct from the incident's externally visible status.
type Node string

const (
	NodeInitialize         Node = "initialize_incident"
	NodeTriggerMatching    Node = "trigger_vendor_matching"
	NodeWaitVendorResponse Node = "wait_for_vendor_response"
	NodeCheckVendorResponse Node = "check_vendor_response"
	NodeUpdateSearchParams Node = "update_search_parameters"
	NodeVendorAssigned     Node = "vendor_assigned"
	NodeWaitVendorArrival  Node = "wait_for_vendor_arrival"
	NodeCheckVendorArrival Node = "check_vendor_arrival"
	NodeHandleVendorTimeout Node = "handle_vendor_timeout"
	NodeVendorArrived      Node = "vendor_arrived"
	NodeWaitWorkCompletion Node = "wait_for_work_completion"
	NodeWorkCompleted      Node = "work_completed"
	NodeWaitPaymentApproval Node = "wait_for_payment_approval"
	NodeIncidentClosed     Node = "incident_closed"
	NodeHandleMatchingError Node = "handle_matching_error"
	NodeEscalate           Node = "escalate_to_dispatcher"
	NodeEscalationComplete Node = "escalation_complete"
	NodeCancelled          Node = "incident_cancelled"
)

// transitions is the static successor table. Step handlers choose among the
// listed successors; anything else is a programming error caught by Advance.
var transitions = map[Node][]Node{
	NodeInitialize:         {NodeTriggerMatching},
	NodeTriggerMatching:    {NodeWaitVendorResponse, NodeHandleMatchingError, NodeCancelled},
	NodeWaitVendorResponse: {NodeCheckVendorResponse, NodeCancelled},
	NodeCheckVendorResponse: {
		NodeVendorAssigned, NodeUpdateSearchParams, NodeEscalate, NodeCancelled,
	},
	NodeUpdateSearchParams: {NodeTriggerMatching},
	NodeVendorAssigned:     {NodeWaitVendorArrival},
	NodeWaitVendorArrival:  {NodeCheckVendorArrival, NodeCancelled},
	NodeCheckVendorArrival: {
		NodeVendorArrived, NodeHandleVendorTimeout, NodeWaitVendorArrival, NodeCancelled,
	},
	NodeHandleVendorTimeout: {NodeInitialize},
	NodeVendorArrived:       {NodeWaitWorkCompletion},
	NodeWaitWorkCompletion:  {NodeWorkCompleted, NodeEscalate, NodeCancelled},
	NodeWorkCompleted:       {NodeWaitPaymentApproval},
	NodeWaitPaymentApproval: {NodeIncidentClosed, NodeEscalate, NodeCancelled},
	NodeHandleMatchingError: {NodeEscalate},
	NodeEscalate:            {NodeEscalationComplete},
	NodeEscalationComplete:  {},
	NodeIncidentClosed:      {},
	NodeCancelled:           {},
}

// Terminal reports whether the node admits no successors.
func (n Node) Terminal() bool {
	switch n {
	case NodeIncidentClosed, NodeEscalationComplete, NodeCancelled:
		return true
	}
	return false
}

// Wait reports whether the node parks the execution.
func (n Node) Wait() bool {
	switch n {
	case NodeWaitVendorResponse, NodeWaitVendorArrival,
		NodeWaitWorkCompletion, NodeWaitPaymentApproval:
		return true
	}
	return false
}

// Known reports whether n is part of the machine.
func (n Node) Known() bool {
	_, ok := transitions[n]
	return ok
}

// CanStep reports whether from -> to exists in the transition table.
func CanStep(from, to Node) bool {
	for _, succ := range transitions[from] {
		if succ == to {
			return true
		}
	}
	return false
}

// wakeSuccessor maps a poll-style wait node to its timer-fired check node.
var wakeSuccessor = map[Node]Node{
	NodeWaitVendorResponse: NodeCheckVendorResponse,
	NodeWaitVendorArrival:  NodeCheckVendorArrival,
}

// resumeSuccessor maps a signal-style wait node to its resumed node.
var resumeSuccessor = map[Node]Node{
	NodeWaitWorkCompletion:  NodeWorkCompleted,
	NodeWaitPaymentApproval: NodeIncidentClosed,
}
