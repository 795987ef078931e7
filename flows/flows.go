/*
   FleetFlow - Fleet Incident Response
   Copyright (C) 2026 OpenFleet Authors.

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published
   by the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package flows

import (
	"fmt"
	"sync"

	errors "github.com/pkg/errors"

	"github.com/openfleet/fleetflow/messages"
)

var (
	reg_mu          sync.Mutex
	implementations map[string]Flow
)

// A validation failure of the flow's arguments. Surfaced
// synchronously to the caller of StartFlow - never stored as a
// running flow.
type InvalidArgsError struct {
	FlowName string
	Reason   string
}

func (self *InvalidArgsError) Error() string {
	return fmt.Sprintf("Invalid args for flow %v: %v",
		self.FlowName, self.Reason)
}

// The correlated responses of one completed request, in response id
// order. The terminal status is carried separately so handlers can
// inspect child flow errors without it polluting the message stream.
type Responses struct {
	Responses []*messages.ClientResponse
	Status    *messages.Status
}

// Did the request complete without a client side error?
func (self *Responses) Success() bool {
	return self.Status == nil ||
		self.Status.Result == messages.StatusOK
}

// Flow implementations are factories with no internal state. They
// must be thread safe and reusable many times - all per execution
// state lives in the FlowContext.
type Flow interface {
	// Called before the flow object is created. A failure aborts
	// StartFlow synchronously.
	ValidateArgs(args []byte) error

	// The handler names this flow may route responses to.
	States() []string

	// The entry point, invoked synchronously by StartFlow.
	Start(flow *FlowContext) error

	// Invoked once per completed request with its ordered responses.
	HandleState(flow *FlowContext, state string, responses *Responses) error
}

func RegisterImplementation(name string, impl Flow) {
	reg_mu.Lock()
	defer reg_mu.Unlock()

	if implementations == nil {
		implementations = make(map[string]Flow)
	}
	implementations[name] = impl
}

func GetImpl(name string) (Flow, bool) {
	reg_mu.Lock()
	defer reg_mu.Unlock()

	result, pres := implementations[name]
	return result, pres
}

func validNextState(impl Flow, next_state string) error {
	for _, state := range impl.States() {
		if state == next_state {
			return nil
		}
	}
	return errors.Errorf("Next state %v is not declared by the flow",
		next_state)
}
