package workflow

import (
	"testing"

	"github.com/mmdatafocus/freshledger/models"
	"github.com/shopspring/decimal"
)

func TestNewOrderValidate(t *testing.T) {
	zero := 0
	cases := []struct {
		name  string
		input NewOrder
		ok    bool
	}{
		{name: "valid", input: NewOrder{DistributorId: 1, Items: []NewOrderLine{{ProductId: 1, Weight: kg("10")}, {ProductId: 2, Weight: kg("0.5")}}}, ok: true},
		{name: "no distributor", input: NewOrder{Items: []NewOrderLine{{ProductId: 1, Weight: kg("10")}}}},
		{name: "no items", input: NewOrder{DistributorId: 1}},
		{name: "zero weight", input: NewOrder{DistributorId: 1, Items: []NewOrderLine{{ProductId: 1, Weight: decimal.Zero}}}},
		{name: "negative weight", input: NewOrder{DistributorId: 1, Items: []NewOrderLine{{ProductId: 1, Weight: kg("-1")}}}},
		{name: "missing product", input: NewOrder{DistributorId: 1, Items: []NewOrderLine{{Weight: kg("1")}}}},
		{name: "duplicate product", input: NewOrder{DistributorId: 1, Items: []NewOrderLine{{ProductId: 1, Weight: kg("1")}, {ProductId: 1, Weight: kg("2")}}}},
		{name: "zero timeout", input: NewOrder{DistributorId: 1, TimeoutMinutes: &zero, Items: []NewOrderLine{{ProductId: 1, Weight: kg("1")}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := tc.input.validate()
			if tc.ok {
				if res != nil {
					t.Fatalf("unexpected refusal: %s", res.Message)
				}
				return
			}
			if res == nil || res.Kind != models.ErrorKindInvalidInput {
				t.Fatalf("expected InvalidInput, got %+v", res)
			}
		})
	}
}
