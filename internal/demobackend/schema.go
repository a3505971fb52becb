package demobackend

import (
	"github.com/graphql-go/graphql"
)

var assetKeyType = graphql.NewObject(graphql.ObjectConfig{
	Name: "AssetKey",
	Fields: graphql.Fields{
		"path": &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(graphql.String)))},
	},
})

var assetKeyInputType = graphql.NewInputObject(graphql.InputObjectConfig{
	Name: "AssetKeyInput",
	Fields: graphql.InputObjectConfigFieldMap{
		"path": &graphql.InputObjectFieldConfig{
			Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(graphql.String))),
		},
	},
})

var freshnessPolicyType = graphql.NewObject(graphql.ObjectConfig{
	Name: "FreshnessPolicy",
	Fields: graphql.Fields{
		"maximumLagMinutes": &graphql.Field{Type: graphql.NewNonNull(graphql.Float)},
		"cronSchedule":      &graphql.Field{Type: graphql.String},
	},
})

var freshnessInfoType = graphql.NewObject(graphql.ObjectConfig{
	Name: "AssetFreshnessInfo",
	Fields: graphql.Fields{
		"currentMinutesLate": &graphql.Field{Type: graphql.Float},
	},
})

var assetNodeType = graphql.NewObject(graphql.ObjectConfig{
	Name: "AssetNode",
	Fields: graphql.Fields{
		"id":              &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"assetKey":        &graphql.Field{Type: graphql.NewNonNull(assetKeyType)},
		"freshnessPolicy": &graphql.Field{Type: freshnessPolicyType},
		"freshnessInfo":   &graphql.Field{Type: freshnessInfoType},
	},
})

var materializationType = graphql.NewObject(graphql.ObjectConfig{
	Name: "MaterializationEvent",
	Fields: graphql.Fields{
		"runId":     &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"timestamp": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
	},
})

var runType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Run",
	Fields: graphql.Fields{
		"id":     &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"status": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
	},
})

var assetLatestInfoType = graphql.NewObject(graphql.ObjectConfig{
	Name: "AssetLatestInfo",
	Fields: graphql.Fields{
		"assetKey":              &graphql.Field{Type: graphql.NewNonNull(assetKeyType)},
		"unstartedRunIds":       &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(graphql.String)))},
		"inProgressRunIds":      &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(graphql.String)))},
		"latestRun":             &graphql.Field{Type: runType},
		"latestMaterialization": &graphql.Field{Type: materializationType},
	},
})

func (b *Backend) buildSchema() (graphql.Schema, error) {
	assetKeysArg := graphql.FieldConfigArgument{
		"assetKeys": &graphql.ArgumentConfig{
			Type: graphql.NewList(graphql.NewNonNull(assetKeyInputType)),
		},
	}

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"assetNodes": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(assetNodeType))),
				Args: assetKeysArg,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return b.resolveAssetNodes(keysFromArgs(p.Args)), nil
				},
			},
			"assetsLatestInfo": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(assetLatestInfoType))),
				Args: assetKeysArg,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return b.resolveLatestInfo(keysFromArgs(p.Args)), nil
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: query})
}

// keysFromArgs returns nil when the argument is absent, meaning all assets.
func keysFromArgs(args map[string]interface{}) [][]string {
	raw, ok := args["assetKeys"].([]interface{})
	if !ok {
		return nil
	}
	keys := make([][]string, 0, len(raw))
	for _, item := range raw {
		input, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		parts, _ := input["path"].([]interface{})
		path := make([]string, 0, len(parts))
		for _, part := range parts {
			if s, ok := part.(string); ok {
				path = append(path, s)
			}
		}
		keys = append(keys, path)
	}
	return keys
}
