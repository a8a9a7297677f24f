// Package gsi adds global secondary indexes to a DynamoDB table.
package gsi

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Definition describes one global secondary index to add. All key attributes
// are numeric. When RangeKey is empty the index is keyed on HashKey alone.
// When NonKeyAttributes is empty the projection is KEYS_ONLY, otherwise
// INCLUDE with those attributes.
type Definition struct {
	IndexName        string
	HashKey          string
	RangeKey         string
	NonKeyAttributes []string
	ReadCapacity     int64
	WriteCapacity    int64
}

// updateTableInput builds the UpdateTable request that adds this index.
// AttributeDefinitions must carry exactly the new index's key attributes;
// UpdateTable rejects definitions for attributes no key schema uses.
func (d Definition) updateTableInput(tableName string) *dynamodb.UpdateTableInput {
	attrs := []types.AttributeDefinition{{
		AttributeName: aws.String(d.HashKey),
		AttributeType: types.ScalarAttributeTypeN,
	}}
	keySchema := []types.KeySchemaElement{{
		AttributeName: aws.String(d.HashKey),
		KeyType:       types.KeyTypeHash,
	}}
	if d.RangeKey != "" {
		attrs = append(attrs, types.AttributeDefinition{
			AttributeName: aws.String(d.RangeKey),
			AttributeType: types.ScalarAttributeTypeN,
		})
		keySchema = append(keySchema, types.KeySchemaElement{
			AttributeName: aws.String(d.RangeKey),
			KeyType:       types.KeyTypeRange,
		})
	}

	return &dynamodb.UpdateTableInput{
		TableName:            aws.String(tableName),
		AttributeDefinitions: attrs,
		GlobalSecondaryIndexUpdates: []types.GlobalSecondaryIndexUpdate{{
			Create: &types.CreateGlobalSecondaryIndexAction{
				IndexName:  aws.String(d.IndexName),
				KeySchema:  keySchema,
				Projection: d.projection(),
				ProvisionedThroughput: &types.ProvisionedThroughput{
					ReadCapacityUnits:  aws.Int64(d.ReadCapacity),
					WriteCapacityUnits: aws.Int64(d.WriteCapacity),
				},
			},
		}},
	}
}

// projection maps the projected attribute list to a DynamoDB projection.
func (d Definition) projection() *types.Projection {
	if len(d.NonKeyAttributes) == 0 {
		return &types.Projection{ProjectionType: types.ProjectionTypeKeysOnly}
	}
	return &types.Projection{
		ProjectionType:   types.ProjectionTypeInclude,
		NonKeyAttributes: d.NonKeyAttributes,
	}
}
