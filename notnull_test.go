package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notNullBySource(f *Findings, source string) []NotNullCandidate {
	var out []NotNullCandidate
	for _, c := range f.NotNull {
		if c.Source == source {
			out = append(out, c)
		}
	}
	return out
}

func TestNotNullMethodUsage(t *testing.T) {
	src := `class OrderDiscount(models.Model):
    def describe(self):
        return self.message.lower()
`
	f := detectOn(t, src, "order.OrderDiscount", runNotNull)

	got := notNullBySource(f, "method")
	require.Len(t, got, 1)
	assert.Equal(t, "OrderDiscount", got[0].Model)
	assert.Equal(t, "order_orderdiscount", got[0].Table)
	assert.Equal(t, "message", got[0].Column)
	assert.Equal(t, "self.message.lower", got[0].Usage)
	assert.Equal(t, "0", got[0].HasCheck)
}

func TestNotNullOperatorUsageWithGuard(t *testing.T) {
	src := `class Order(models.Model):
    def charge(self):
        if self.total is None:
            raise ValueError("missing total")
        return self.total * 2
`
	f := detectOn(t, src, "order.Order", runNotNull)

	guards := notNullBySource(f, "if_raise")
	require.Len(t, guards, 1)
	assert.Equal(t, "total", guards[0].Column)
	assert.Equal(t, 3, guards[0].Line)
	assert.Equal(t, "0", guards[0].HasCheck)

	// The dereference after the guard carries the guarding function's line.
	usages := notNullBySource(f, "operator")
	require.Len(t, usages, 1)
	assert.Equal(t, "total", usages[0].Column)
	assert.Equal(t, "2", usages[0].HasCheck)
}

func TestNotNullComparisonUsage(t *testing.T) {
	src := `class Order(models.Model):
    def big(self):
        return self.total > 100
`
	f := detectOn(t, src, "order.Order", runNotNull)

	got := notNullBySource(f, "operator")
	require.Len(t, got, 1)
	assert.Equal(t, "total", got[0].Column)

	src = `class Order(models.Model):
    def zero(self):
        return self.total == 0
`
	f = detectOn(t, src, "order.Order", runNotNull)
	got = notNullBySource(f, "eq")
	require.Len(t, got, 1)
	assert.Equal(t, "total", got[0].Column)
}

func TestNotNullBuiltinCallUsage(t *testing.T) {
	src := `class Voucher(models.Model):
    def size(self):
        return len(self.code)
`
	f := detectOn(t, src, "voucher.Voucher", runNotNull)

	got := notNullBySource(f, "funcCall")
	require.Len(t, got, 1)
	assert.Equal(t, "code", got[0].Column)
	assert.Equal(t, "self.code", got[0].Usage)
}

func TestNotNullBuiltinNamespaceCalls(t *testing.T) {
	src := `class Order(models.Model):
    def kind(self):
        return isinstance(self.total, int)

    def explode(self):
        raise ValueError(self.total)
`
	f := detectOn(t, src, "order.Order", runNotNull)

	got := notNullBySource(f, "funcCall")
	require.Len(t, got, 2)
	for _, c := range got {
		assert.Equal(t, "Order", c.Model)
		assert.Equal(t, "total", c.Column)
		assert.Equal(t, "self.total", c.Usage)
	}
}

func TestNotNullAssertGuard(t *testing.T) {
	src := `def finalize(order):
    assert order.voucher is not None
`
	f := detectOn(t, src, "", runNotNull)

	got := notNullBySource(f, "assert")
	require.Len(t, got, 1)
	assert.Equal(t, "Order", got[0].Model)
	assert.Equal(t, "voucher", got[0].Column)
}

func TestNotNullGuardSkipsCleanValidators(t *testing.T) {
	src := `class Order(models.Model):
    def clean_total(self):
        if self.total is None:
            raise ValidationError("required")
`
	f := detectOn(t, src, "order.Order", runNotNull)
	assert.Empty(t, notNullBySource(f, "if_raise"))
}

func TestNotNullNullableAssign(t *testing.T) {
	src := `class Voucher(models.Model):
    def reset(self):
        self.name = None
`
	f := detectOn(t, src, "voucher.Voucher", runNotNull)

	got := notNullBySource(f, "filter")
	require.Len(t, got, 1)
	assert.Equal(t, "Voucher", got[0].Model)
	assert.Equal(t, "name", got[0].Column)
}

func TestNotNullNullableKeyword(t *testing.T) {
	src := `def open_orders():
    return Order.objects.filter(voucher=None)
`
	f := detectOn(t, src, "", runNotNull)

	got := notNullBySource(f, "filter_default")
	require.Len(t, got, 1)
	assert.Equal(t, "Order", got[0].Model)
	assert.Equal(t, "voucher", got[0].Column)
}

func TestNotNullFExpression(t *testing.T) {
	src := `def bump(amount):
    Order.objects.update(total=F("total") + amount)
`
	f := detectOn(t, src, "", runNotNull)

	got := notNullBySource(f, "operator")
	require.Len(t, got, 1)
	assert.Equal(t, "Order", got[0].Model)
	assert.Equal(t, "total", got[0].Column)
	assert.Equal(t, "F(total)", got[0].Usage)
}
