package ports

// ConditionEvaluator evaluates expressions against an instance's execution
// context. All transition conditions, conditional branches, variable
// assignments, and delay expressions go through this single interface so step
// logic never depends on a specific scripting engine.
type ConditionEvaluator interface {
	// Evaluate runs the expression and returns its result
	Evaluate(expression string, env map[string]interface{}) (interface{}, error)
	// EvaluateBool runs the expression and coerces the result to a boolean;
	// a non-boolean result is an error, not a silent false
	EvaluateBool(expression string, env map[string]interface{}) (bool, error)
	// Validate compiles the expression without running it
	Validate(expression string, env map[string]interface{}) error
}

// TemplateRenderer interpolates {{expression}} placeholders against a context
// environment. Notification bodies, task titles, and API call templates use
// it.
type TemplateRenderer interface {
	RenderTemplate(template string, env map[string]interface{}) (string, error)
}
