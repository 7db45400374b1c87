/*
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

package alerting

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The placeholder language is deliberately tiny: dotted lookups and a
// single iteration form. Rendering never fails; anything unresolvable
// becomes the empty string.
var (
	eachPattern        = regexp.MustCompile(`(?s)\{\{#each\s+([\w.]+)\s+as\s+(\w+)\s*\}\}(.*?)\{\{/each\}\}`)
	placeholderPattern = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)
)

// Render substitutes {{ path.dotted }} placeholders and expands
// {{#each list as item}}...{{/each}} blocks against the fire context.
func Render(template string, context map[string]interface{}) string {
	expanded := eachPattern.ReplaceAllStringFunc(template, func(block string) string {
		parts := eachPattern.FindStringSubmatch(block)
		listPath, alias, body := parts[1], parts[2], parts[3]
		items, ok := lookup(context, listPath).([]interface{})
		if !ok {
			return ""
		}
		var out strings.Builder
		for _, item := range items {
			scoped := make(map[string]interface{}, len(context)+1)
			for k, v := range context {
				scoped[k] = v
			}
			scoped[alias] = item
			out.WriteString(Render(body, scoped))
		}
		return out.String()
	})
	return placeholderPattern.ReplaceAllStringFunc(expanded, func(placeholder string) string {
		path := placeholderPattern.FindStringSubmatch(placeholder)[1]
		return stringify(lookup(context, path))
	})
}

func lookup(context map[string]interface{}, path string) interface{} {
	var current interface{} = context
	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = node[segment]
		if !ok {
			return nil
		}
	}
	return current
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
