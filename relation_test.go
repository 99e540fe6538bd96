package optracez

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelationSchemaValidate(t *testing.T) {
	schema := RelationSchema{
		"ticketId": RelationString,
		"page":     RelationNumber,
		"archived": RelationBoolean,
		"extra":    RelationAny,
	}
	tests := []struct {
		name    string
		related RelatedTo
		wantErr string
	}{
		{"valid", RelatedTo{"ticketId": "7", "page": 2, "archived": false, "extra": []int{1}}, ""},
		{"float number", RelatedTo{"page": 2.5}, ""},
		{"empty", RelatedTo{}, "empty"},
		{"unknown key", RelatedTo{"ticketId": "7", "userId": "u"}, `unknown key "userId"`},
		{"wrong type", RelatedTo{"ticketId": 7}, `key "ticketId": want string, got int`},
		{"not a number", RelatedTo{"page": "2"}, `key "page": want number`},
		{"not a bool", RelatedTo{"archived": "no"}, `key "archived": want boolean`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate(tt.related)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidRelatedTo)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRelationSchemaReportsEveryProblem(t *testing.T) {
	err := RelationSchema{"ticketId": RelationString}.Validate(RelatedTo{"b": 1, "a": 2})
	assert.EqualError(t, err, ErrInvalidRelatedTo.Error()+`: unknown key "a"; unknown key "b"`)
}
