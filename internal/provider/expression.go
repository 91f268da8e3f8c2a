package provider

// Earth Engine expression graph, as accepted by the value:compute REST method.
type expression struct {
	Result string               `json:"result"`
	Values map[string]valueNode `json:"values"`
}

type valueNode struct {
	ConstantValue           interface{}         `json:"constantValue,omitempty"`
	FunctionInvocationValue *functionInvocation `json:"functionInvocationValue,omitempty"`
}

type functionInvocation struct {
	FunctionName string               `json:"functionName"`
	Arguments    map[string]valueNode `json:"arguments"`
}

// timeStartProperty is the acquisition time property filterDate always matches against.
const timeStartProperty = "system:time_start"

func constant(v interface{}) valueNode {
	return valueNode{ConstantValue: v}
}

func invoke(name string, args map[string]valueNode) valueNode {
	return valueNode{FunctionInvocationValue: &functionInvocation{FunctionName: name, Arguments: args}}
}

// latestAttributeExpression builds
//
//	ImageCollection(q.Collection).filterDate(start, end).sort(q.SortProperty, false).first().get(q.Attribute)
//
// with start and end in milliseconds since the epoch.
func latestAttributeExpression(q Query, startMillis, endMillis int64) expression {
	collection := invoke("ImageCollection.load", map[string]valueNode{
		"id": constant(q.Collection),
	})
	filtered := invoke("Collection.filter", map[string]valueNode{
		"collection": collection,
		"filter": invoke("Filter.dateRangeContains", map[string]valueNode{
			"leftValue": invoke("DateRange", map[string]valueNode{
				"start": constant(startMillis),
				"end":   constant(endMillis),
			}),
			"rightField": constant(timeStartProperty),
		}),
	})
	sorted := invoke("Collection.limit", map[string]valueNode{
		"collection": filtered,
		"key":        constant(q.SortProperty),
		"ascending":  constant(false),
	})
	first := invoke("Collection.first", map[string]valueNode{
		"collection": sorted,
	})
	return expression{
		Result: "0",
		Values: map[string]valueNode{
			"0": invoke("Element.get", map[string]valueNode{
				"object":   first,
				"property": constant(q.Attribute),
			}),
		},
	}
}
