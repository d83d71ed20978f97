package gateway

import "fmt"

// Endpoint is one of the fixed remote operations exposed by the workflow engine.
type Endpoint int

const (
	EndpointLogin Endpoint = iota
	EndpointLoginStatus
	EndpointAddItems
	EndpointSetAddress
	EndpointCheckout
	EndpointOrderStatus
	EndpointCancelOrder

	endpointCount
)

var endpointNames = [endpointCount]string{
	EndpointLogin:       "login",
	EndpointLoginStatus: "login-status",
	EndpointAddItems:    "add-items",
	EndpointSetAddress:  "set-address",
	EndpointCheckout:    "checkout",
	EndpointOrderStatus: "order-status",
	EndpointCancelOrder: "cancel-order",
}

// Endpoints lists every endpoint in declaration order.
func Endpoints() []Endpoint {
	eps := make([]Endpoint, endpointCount)
	for i := range eps {
		eps[i] = Endpoint(i)
	}
	return eps
}

// String returns the endpoint name, which is also its webhook path segment.
func (e Endpoint) String() string {
	if !e.valid() {
		return fmt.Sprintf("endpoint(%d)", int(e))
	}
	return endpointNames[e]
}

func (e Endpoint) valid() bool {
	return e >= 0 && e < endpointCount
}
