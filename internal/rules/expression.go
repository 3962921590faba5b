package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/history"
)

// defaultExpressionWindow is the window_count horizon for expression rules
// that do not set timeWindow.
const defaultExpressionWindow = 300

// Compiler turns CEL expressions into programs over a fixed variable set.
type Compiler struct {
	env *cel.Env
}

// NewCompiler creates the CEL environment shared by all expression rules.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("account_id", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("window_count", cel.IntType),
		cel.Variable("has_previous", cel.BoolType),
		cel.Variable("previous_country", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Compile checks and compiles an expression. Expressions must return bool.
func (c *Compiler) Compile(id, expression string) (cel.Program, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("%w: rule %s: expression is required", ErrInvalidRule, id)
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", ErrInvalidRule, id, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s", ErrInvalidRule, id, ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create program for rule %s: %v", ErrInvalidRule, id, err)
	}
	return program, nil
}

// expressionCheck wraps a compiled program as a Predicate. Evaluation errors
// and non-bool results leave the rule untriggered.
func expressionCheck(program cel.Program) Predicate {
	return func(in *Input, cfg *domain.RuleConfig) (bool, string) {
		out, _, err := program.Eval(activation(in, cfg))
		if err != nil {
			return false, ""
		}
		matched, ok := out.(types.Bool)
		if !ok || !bool(matched) {
			return false, ""
		}
		return true, fmt.Sprintf("Expression matched: %s", cfg.Params.Expression)
	}
}

func expressionSeverity(_ *Input, cfg *domain.RuleConfig) domain.Severity {
	if cfg.Params.Severity.Valid() {
		return cfg.Params.Severity
	}
	return domain.SeverityMedium
}

func activation(in *Input, cfg *domain.RuleConfig) map[string]any {
	windowSecs := cfg.Params.WindowSeconds
	if windowSecs <= 0 {
		windowSecs = defaultExpressionWindow
	}
	count := history.Count(in.Window, in.At, time.Duration(windowSecs)*time.Second)

	previousCountry := ""
	if in.Previous != nil {
		previousCountry = in.Previous.Country
	}

	return map[string]any{
		"amount":           in.Tx.Amount.InexactFloat64(),
		"currency":         in.Tx.Currency,
		"country":          in.Tx.Country,
		"merchant":         in.Tx.Merchant,
		"tx_type":          in.Tx.Type,
		"account_id":       in.Tx.AccountID,
		"hour":             int64(in.At.Hour()),
		"window_count":     int64(count),
		"has_previous":     in.Previous != nil,
		"previous_country": previousCountry,
	}
}
