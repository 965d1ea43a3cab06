// Package template provides templating functionality for dynamic step configuration.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/opline/opline/pkg/protocol"
)

// RenderWithContext renders input against the saga state a step executor
// sees: prior step data keyed by step name, saga metadata, approval data and
// the environment.
func RenderWithContext(input string, sc *protocol.StepContext) (any, error) {
	stepData := make(map[string]any, len(sc.Results))
	for _, result := range sc.Results {
		stepData[result.Step] = result.Data
	}

	data := map[string]any{
		"steps":         stepData,
		"metadata":      sc.Metadata,
		"approval_data": sc.ApprovalData,
		"env":           getEnvVars(),
		"saga": map[string]any{
			"id":        sc.SagaID,
			"type":      sc.SagaType,
			"tenant_id": sc.TenantID,
		},
	}

	return Render(input, data)
}

// Parse checks templateStr for syntax errors without executing it.
func Parse(templateStr string) (*template.Template, error) {
	return newTemplate().Parse(templateStr)
}

func Render(templateStr string, data any) (any, error) {
	tmpl, err := newTemplate().Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	// Try to parse as JSON if it looks like JSON
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	// Try to parse as number
	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	// Try to parse as boolean
	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

func newTemplate() *template.Template {
	return template.
		New("transform").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}

				num := make([]byte, 1)

				_, err := rand.Read(num)
				if err != nil {
					return 0
				}

				return int(num[0]) % max
			},
		})
}

// getEnvVars returns environment variables as a map.
func getEnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
