package pci

import "fmt"

// BindingState is the owner of a PCI function from the capture tool's view.
type BindingState int

const (
	KernelOwned BindingState = iota
	Unbound
	UioOwned
)

func (s BindingState) String() string {
	switch s {
	case KernelOwned:
		return "kernel-owned"
	case Unbound:
		return "unbound"
	case UioOwned:
		return "uio-owned"
	default:
		return fmt.Sprintf("BindingState(%d)", int(s))
	}
}

// Ownership tracks the binding state of one device. The state is observed
// once when the tracker is created and afterwards only changes through its
// methods.
type Ownership struct {
	ctl     *Controller
	id      Identity
	state   BindingState
	initial BindingState
}

// NewOwnership records the current binding of id.
func NewOwnership(ctl *Controller, id Identity) *Ownership {
	state := Unbound
	if ctl.IsBound(id) {
		state = KernelOwned
	}
	return &Ownership{ctl: ctl, id: id, state: state, initial: state}
}

// State returns the current binding state.
func (o *Ownership) State() BindingState { return o.state }

// Initial returns the state observed at construction.
func (o *Ownership) Initial() BindingState { return o.initial }

// TakeOver detaches the kernel driver. It is a no-op from Unbound.
func (o *Ownership) TakeOver() error {
	switch o.state {
	case Unbound:
		return nil
	case KernelOwned:
		if driver, err := o.ctl.Driver(o.id); err == nil && driver != "" {
			o.ctl.logger().Info("pci: taking device from kernel driver", "bus", o.id.BusID, "driver", driver)
		}
		if err := o.ctl.Unbind(o.id); err != nil {
			return err
		}
		o.state = Unbound
		return nil
	default:
		return o.invalid("take over")
	}
}

// ClaimUIO records that the UIO node of the device is held open.
func (o *Ownership) ClaimUIO() error {
	if o.state != Unbound {
		return o.invalid("claim uio")
	}
	o.state = UioOwned
	return nil
}

// ReleaseUIO records that the UIO node has been closed.
func (o *Ownership) ReleaseUIO() error {
	if o.state != UioOwned {
		return o.invalid("release uio")
	}
	o.state = Unbound
	return nil
}

// Restore rebinds the device to virtio-pci if it was kernel owned when the
// tracker was created.
func (o *Ownership) Restore() error {
	if o.state == UioOwned {
		return o.invalid("restore")
	}
	if o.initial != KernelOwned || o.state == KernelOwned {
		return nil
	}
	if err := o.ctl.BindToVirtio(o.id); err != nil {
		return err
	}
	o.state = KernelOwned
	return nil
}

func (o *Ownership) invalid(op string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, o.state)
}
