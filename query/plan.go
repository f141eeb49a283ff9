// Package query coordinates distributed reads: it gates on replica
// freshness, routes the plan's paths to partition-group readers, merges
// them into logical streams, and drives row-oriented result iteration,
// with an optional timestamp-generation path for value-filtered queries.
package query

import (
	"fmt"

	"github.com/INLOpen/nexuscluster/core"
)

// PlanParams holds all parameters for NewPlan.
type PlanParams struct {
	Paths     []core.Path
	DataTypes []core.DataType
	// Filter is the optional expression tree; nil selects everything.
	Filter Filter
	Order  core.SortOrder
	// DeviceToMeasurements lets a group server batch column reads per
	// device. Optional; derived from Paths when nil.
	DeviceToMeasurements map[string][]string
}

// Plan is an immutable, de-duplicated description of one query: the
// selected paths with their declared types, the filter expression, and the
// requested direction. Duplicate paths keep their first occurrence so
// projection positions stay stable.
type Plan struct {
	paths                []core.Path
	dataTypes            []core.DataType
	filter               Filter
	order                core.SortOrder
	deviceToMeasurements map[string][]string
}

func NewPlan(params PlanParams) (*Plan, error) {
	if len(params.Paths) == 0 {
		return nil, fmt.Errorf("query plan selects no paths")
	}
	if len(params.DataTypes) != len(params.Paths) {
		return nil, fmt.Errorf("query plan has %d paths but %d data types", len(params.Paths), len(params.DataTypes))
	}

	seen := make(map[core.Path]bool, len(params.Paths))
	paths := make([]core.Path, 0, len(params.Paths))
	dataTypes := make([]core.DataType, 0, len(params.Paths))
	for i, path := range params.Paths {
		if seen[path] {
			continue
		}
		seen[path] = true
		paths = append(paths, path)
		dataTypes = append(dataTypes, params.DataTypes[i])
	}

	deviceToMeasurements := params.DeviceToMeasurements
	if deviceToMeasurements == nil {
		deviceToMeasurements = make(map[string][]string)
		for _, path := range paths {
			device := path.Device()
			deviceToMeasurements[device] = append(deviceToMeasurements[device], path.Measurement())
		}
	}

	return &Plan{
		paths:                paths,
		dataTypes:            dataTypes,
		filter:               params.Filter,
		order:                params.Order,
		deviceToMeasurements: deviceToMeasurements,
	}, nil
}

// Paths returns the de-duplicated selected paths in plan order.
func (p *Plan) Paths() []core.Path { return p.paths }

// DataTypes returns the declared types parallel to Paths.
func (p *Plan) DataTypes() []core.DataType { return p.dataTypes }

// Filter returns the expression tree, nil when the query is unfiltered.
func (p *Plan) Filter() Filter { return p.filter }

// Order returns the requested output direction.
func (p *Plan) Order() core.SortOrder { return p.order }

// DeviceToMeasurements returns the per-device measurement grouping.
func (p *Plan) DeviceToMeasurements() map[string][]string { return p.deviceToMeasurements }

// dataTypeFor returns the declared type of a selected path, DataTypeNil
// for paths outside the selection (filter-only paths, resolved remotely).
func (p *Plan) dataTypeFor(path core.Path) core.DataType {
	for i, candidate := range p.paths {
		if candidate == path {
			return p.dataTypes[i]
		}
	}
	return core.DataTypeNil
}
