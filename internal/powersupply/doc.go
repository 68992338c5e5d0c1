// Package powersupply implements magnet power supply drivers and their
// control loop.
//
// A driver keeps a shadow of the hardware readbacks (current, polarity,
// mode) updated by channel callbacks, and a control loop that reconciles
// the operator's requested state and setpoint with it. Each loop tick is a
// pure decision (ControlState.Handle) followed by fire-and-forget channel
// writes.
//
// The control law enforces two safety rules:
//   - a unipolar supply never receives a current command while its
//     polarity disagrees with the sign of the setpoint; the loop drops to
//     Standby and fixes the polarity first;
//   - a supply is only commanded to Standby once its current is below the
//     standby threshold.
//
// Hardware Interlock or Error moves the loop to a terminal Error phase.
// No recovery is attempted; an operator calls Rearm once the fault is
// cleared.
//
// Drivers are built through a Registry keyed by driver tag:
//
//	dev, err := powersupply.Create("dante", "QUATB001", "SPARC:PS:QUATB001",
//	    powersupply.Params{"min": 0, "max": 120}, env)
//	dev.SetCurrent(50)
//	dev.SetState(powersupply.StateOn)
//	err = dev.Wait(ctx, 30*time.Second)
package powersupply
