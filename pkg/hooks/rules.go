/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package hooks

import (
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	selfherrors "github.com/jordigilh/selfheal/pkg/shared/errors"
)

// Rule is one compiled quality rule. Check is an expression evaluated
// per row with `value` bound to the rule's column and `row` to the
// whole record; a falsy result counts the row as failed.
type Rule struct {
	Name    string
	Column  string
	Check   string
	program *vm.Program
}

// ruleFile is the on-disk shape of a rules document:
//
//	rules:
//	  - name: id_not_null
//	    column: id
//	    check: value != nil
type ruleFile struct {
	Rules []struct {
		Name   string `yaml:"name"`
		Column string `yaml:"column"`
		Check  string `yaml:"check"`
	} `yaml:"rules"`
}

// LoadRules parses and compiles the rule set at path.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, selfherrors.Wrapf(err, "read quality rules %s", path)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, selfherrors.ParseError(path, "yaml", err)
	}
	if len(rf.Rules) == 0 {
		return nil, selfherrors.ValidationError("rules", "no rules defined in "+path)
	}

	rules := make([]Rule, 0, len(rf.Rules))
	for _, r := range rf.Rules {
		if r.Name == "" || r.Check == "" {
			return nil, selfherrors.ValidationError("rules", fmt.Sprintf("rule %q must set name and check", r.Name))
		}
		program, err := expr.Compile(r.Check, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, selfherrors.Wrapf(err, "compile quality rule %q", r.Name)
		}
		rules = append(rules, Rule{Name: r.Name, Column: r.Column, Check: r.Check, program: program})
	}
	return rules, nil
}

// Evaluate runs the rule's check against row. The expression sees
// `value` (the rule's column, nil when absent) and `row`.
func (r Rule) Evaluate(row map[string]interface{}) (bool, error) {
	env := map[string]interface{}{
		"row": row,
	}
	if r.Column != "" {
		env["value"] = row[r.Column]
	}
	out, err := expr.Run(r.program, env)
	if err != nil {
		return false, err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("quality rule %q did not evaluate to a boolean", r.Name)
	}
	return ok, nil
}
