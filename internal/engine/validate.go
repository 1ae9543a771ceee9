package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Benny93/arbor-go/internal/graph"
	"github.com/Benny93/arbor-go/internal/search"
	"github.com/Benny93/arbor-go/internal/traversal"
)

// newValidator returns a validator that knows the closed enums of the graph
// model under the tags used on request types.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	enums := map[string]func(string) bool{
		"nodetype":      func(s string) bool { return graph.NodeType(s).Valid() },
		"leaftype":      func(s string) bool { return graph.NodeType(s).IsLeaf() },
		"branchtype":    func(s string) bool { return graph.NodeType(s).IsBranch() },
		"knowledgetype": func(s string) bool { return graph.NodeType(s).IsKnowledge() },
		"edgetype":      func(s string) bool { return graph.EdgeType(s).Valid() },
		"edgecategory":  func(s string) bool { return graph.EdgeCategory(s).Valid() },
		"direction":     func(s string) bool { return traversal.Direction(s).Valid() },
		"searchmode":    func(s string) bool { return search.Mode(s).Valid() },
	}
	for tag, ok := range enums {
		_ = v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return ok(fl.Field().String())
		})
	}
	return v
}

// check validates req and reports failures as graph.ErrInvalidInput.
func (e *Engine) check(req any) error {
	err := e.validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", graph.ErrInvalidInput, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", graph.ErrInvalidInput, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s: invalid %s %v", field, fe.Tag(), fe.Value())
	}
}
