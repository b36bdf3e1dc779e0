package dsl

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rushteam/reqrec/core"
)

var (
	// celEnv 是全局的 CEL 环境，线程安全，可复用
	celEnv     *cel.Env
	celEnvErr  error
	celEnvOnce sync.Once
)

// getCELEnv 获取或创建 CEL 环境
func getCELEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("item", cel.DynType),
		)
	})
	return celEnv, celEnvErr
}

// Program 是编译后的物品谓词，使用 CEL (Common Expression Language) 实现。
// 编译一次，可并发地对多个物品求值。
//
// 可用字段（item.*）：
//   - id (int), title (string), status (string)
//   - interest_tags / skill_tags (list<int>)
//   - view_count (int), age_days (double)
//
// 示例：
//   - `item.status != "in_progress" || item.age_days < 30.0`
//   - `size(item.skill_tags) > 0`
//   - `item.view_count >= 10`
type Program struct {
	expr string
	prg  cel.Program
}

// Compile 编译表达式。空表达式返回 nil Program，Match 恒为 true。
func Compile(expr string) (*Program, error) {
	if expr == "" {
		return nil, nil
	}
	env, err := getCELEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program error: %w", err)
	}
	return &Program{expr: expr, prg: prg}, nil
}

// String 返回原始表达式
func (p *Program) String() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// Match 对单个物品求值。
func (p *Program) Match(info *core.ItemInfo, now time.Time) (bool, error) {
	if p == nil {
		return true, nil
	}
	out, _, err := p.prg.Eval(map[string]any{"item": buildInput(info, now)})
	if err != nil {
		return false, fmt.Errorf("eval error: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression must return boolean, got %T", out.Value())
	}
	return result, nil
}

// buildInput 构建 CEL 表达式的输入数据
func buildInput(info *core.ItemInfo, now time.Time) map[string]any {
	interest := info.InterestTags
	if interest == nil {
		interest = []int64{}
	}
	skill := info.SkillTags
	if skill == nil {
		skill = []int64{}
	}
	return map[string]any{
		"id":            info.ID,
		"title":         info.Title,
		"status":        string(info.Status),
		"interest_tags": interest,
		"skill_tags":    skill,
		"view_count":    info.ViewCount,
		"age_days":      now.Sub(info.CreatedAt).Hours() / 24,
	}
}
