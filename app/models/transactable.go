package models

import (
	"errors"
	"fmt"
)

// TransactableKind names the CRM/HR entity that owns a MoMo transaction.
type TransactableKind string

const (
	TransactableClient   TransactableKind = "client"
	TransactableLead     TransactableKind = "lead"
	TransactableInvoice  TransactableKind = "invoice"
	TransactableVendor   TransactableKind = "vendor"
	TransactableEmployee TransactableKind = "employee"
)

var ErrUnknownTransactable = errors.New("unknown transactable kind")

// Transactable is the tagged owner reference of a transaction.
type Transactable struct {
	Kind TransactableKind `json:"kind"`
	ID   uint             `json:"id"`
}

func (t Transactable) Validate() error {
	switch t.Kind {
	case TransactableClient, TransactableLead, TransactableInvoice, TransactableVendor, TransactableEmployee:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransactable, t.Kind)
	}
	if t.ID == 0 {
		return fmt.Errorf("transactable %s requires an id", t.Kind)
	}
	return nil
}

func (t Transactable) String() string {
	return fmt.Sprintf("%s:%d", t.Kind, t.ID)
}
