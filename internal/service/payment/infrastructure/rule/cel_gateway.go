// internal/service/payment/infrastructure/rule/cel_gateway.go
package rule

import (
	"context"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"fulfillment/internal/service/payment/domain"
)

// DefaultApprovalRule 默认的授权规则
const DefaultApprovalRule = "amount <= 10000.0"

// DeclineReason 规则不通过时的拒绝原因
const DeclineReason = "CARD_DECLINED"

// RuleGateway 是 domain.Gateway 的一个本地实现。
// 它用一条 CEL 表达式决定是否批准授权，变量: amount (double), currency (string), order_id (string)。
// 这是一个典型的适配器模式应用，它将第三方库的API适配到我们自己的领域接口。
type RuleGateway struct {
	expr    string
	program cel.Program
}

// NewRuleGateway 编译规则，表达式必须返回 bool
func NewRuleGateway(expr string) (*RuleGateway, error) {
	if strings.TrimSpace(expr) == "" {
		expr = DefaultApprovalRule
	}
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("order_id", cel.StringType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create cel env")
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "compile approval rule %q", expr)
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.Errorf("approval rule %q must return bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrapf(err, "build program for %q", expr)
	}
	return &RuleGateway{expr: expr, program: prg}, nil
}

// Authorize 实现了 domain.Gateway 接口。
func (g *RuleGateway) Authorize(ctx context.Context, req domain.AuthorizationRequest) (domain.Authorization, error) {
	out, _, err := g.program.ContextEval(ctx, map[string]any{
		"amount":   req.Amount.InexactFloat64(),
		"currency": req.Currency,
		"order_id": req.OrderID,
	})
	if err != nil {
		return domain.Authorization{}, errors.Wrapf(err, "evaluate approval rule %q", g.expr)
	}
	approved, ok := out.Value().(bool)
	if !ok {
		return domain.Authorization{}, errors.Errorf("approval rule %q returned %T", g.expr, out.Value())
	}
	if !approved {
		return domain.Authorization{DeclineReason: DeclineReason}, nil
	}
	return domain.Authorization{
		Approved: true,
		AuthCode: "AUTH-" + strings.ToUpper(uuid.NewString()[:8]),
	}, nil
}
