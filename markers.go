package esb

import "github.com/ShawnSpooner/rhino-esb/queue"

// AdministrativeMessage marks a logical message as control-plane
// traffic. Sequences whose first element carries the marker are stamped
// with the administrative kind and dispatched without the pre-commit
// hook on the receiving side.
type AdministrativeMessage interface {
	AdministrativeMessage()
}

// LoadBalancerMessage marks a logical message as load-balancer
// coordination traffic.
type LoadBalancerMessage interface {
	LoadBalancerMessage()
}

// kindOf derives the wire kind marker from the first element of a
// logical sequence. The routing decision is the sender's: receivers
// trust the stamped header, not payload inspection.
func kindOf(first interface{}) string {
	switch first.(type) {
	case AdministrativeMessage:
		return queue.KindAdministrative
	case LoadBalancerMessage:
		return queue.KindLoadBalancer
	default:
		return queue.KindOrdinary
	}
}
