package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status orders an order cycle and its ledger rows. Values are spaced so the
// side branches sit between the main states they connect.
type Status int

const (
	StatusPlanned              Status = 100
	StatusWaitForPreOpen       Status = 200
	StatusPreOpen              Status = 300
	StatusWaitForOpen          Status = 350
	StatusOpened               Status = 400
	StatusWaitForClosed        Status = 450
	StatusClosed               Status = 500
	StatusWaitForSend          Status = 550
	StatusSend                 Status = 600
	StatusWaitForCancelInvoice Status = 650
	StatusWaitForInvoiced      Status = 700
	StatusInvoiced             Status = 800
	StatusArchived             Status = 900
	StatusCancelled            Status = 950
)

var statusNames = map[Status]string{
	StatusPlanned:              "PLANNED",
	StatusWaitForPreOpen:       "WAIT_FOR_PRE_OPEN",
	StatusPreOpen:              "PRE_OPEN",
	StatusWaitForOpen:          "WAIT_FOR_OPEN",
	StatusOpened:               "OPENED",
	StatusWaitForClosed:        "WAIT_FOR_CLOSED",
	StatusClosed:               "CLOSED",
	StatusWaitForSend:          "WAIT_FOR_SEND",
	StatusSend:                 "SEND",
	StatusWaitForCancelInvoice: "WAIT_FOR_CANCEL_INVOICE",
	StatusWaitForInvoiced:      "WAIT_FOR_INVOICED",
	StatusInvoiced:             "INVOICED",
	StatusArchived:             "ARCHIVED",
	StatusCancelled:            "CANCELLED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func ParseStatus(raw string) (Status, error) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	for status, candidate := range statusNames {
		if candidate == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", raw)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StatusIn reports whether s is one of allowed.
func StatusIn(s Status, allowed []Status) bool {
	for _, candidate := range allowed {
		if s == candidate {
			return true
		}
	}
	return false
}

// BankStatus tags a bank ledger entry.
type BankStatus string

const (
	BankMovement          BankStatus = "MOVEMENT"
	BankCalculatedInvoice BankStatus = "CALCULATED_INVOICE"
	BankProfit            BankStatus = "PROFIT"
	BankTax               BankStatus = "TAX"
	BankMembershipFee     BankStatus = "MEMBERSHIP_FEE"
	BankCompensation      BankStatus = "COMPENSATION"
	BankLatestTotal       BankStatus = "LATEST_TOTAL"
	BankNotLatestTotal    BankStatus = "NOT_LATEST_TOTAL"
)

// SynthesizedBankStatuses are created by settlement and removed by its rollback.
var SynthesizedBankStatuses = []BankStatus{
	BankCalculatedInvoice,
	BankProfit,
	BankTax,
	BankMembershipFee,
	BankCompensation,
}

func (b BankStatus) Valid() bool {
	switch b {
	case BankMovement, BankCalculatedInvoice, BankProfit, BankTax, BankMembershipFee,
		BankCompensation, BankLatestTotal, BankNotLatestTotal:
		return true
	}
	return false
}

// OrderUnit is how an offer item is sold. Units below OrderUnitDeposit are
// physical goods; the others are bookkeeping lines.
type OrderUnit int

const (
	OrderUnitPiece         OrderUnit = 100
	OrderUnitPieceByWeight OrderUnit = 110
	OrderUnitKilogram      OrderUnit = 120
	OrderUnitLiter         OrderUnit = 130
	OrderUnitDeposit       OrderUnit = 400
	OrderUnitMembershipFee OrderUnit = 500
	OrderUnitTransport     OrderUnit = 510
)

var orderUnitNames = map[OrderUnit]string{
	OrderUnitPiece:         "PC",
	OrderUnitPieceByWeight: "PC_KG",
	OrderUnitKilogram:      "KG",
	OrderUnitLiter:         "LT",
	OrderUnitDeposit:       "DEPOSIT",
	OrderUnitMembershipFee: "MEMBERSHIP_FEE",
	OrderUnitTransport:     "TRANSPORTATION",
}

func (u OrderUnit) String() string {
	if name, ok := orderUnitNames[u]; ok {
		return name
	}
	return fmt.Sprintf("UNIT(%d)", int(u))
}

func (u OrderUnit) Valid() bool {
	_, ok := orderUnitNames[u]
	return ok
}

// Fractional reports whether customers may order a non-integer quantity.
func (u OrderUnit) Fractional() bool {
	return u == OrderUnitKilogram || u == OrderUnitLiter
}

func ParseOrderUnit(raw string) (OrderUnit, error) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	for unit, candidate := range orderUnitNames {
		if candidate == name {
			return unit, nil
		}
	}
	return 0, fmt.Errorf("unknown order unit %q", raw)
}

func (u OrderUnit) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *OrderUnit) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseOrderUnit(raw)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
