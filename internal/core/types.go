package core

import (
	"strconv"

	"surveycore/pkg/domain"
)

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

type (
	EntityType         = domain.EntityType
	LinkMode           = domain.LinkMode
	Severity           = domain.Severity
	Base               = domain.Base
	Project            = domain.Project
	Experiment         = domain.Experiment
	Dataset            = domain.Dataset
	ExperimentLinking  = domain.ExperimentLinking
	DatasetLinking     = domain.DatasetLinking
	Bundle             = domain.Bundle
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	RulesEngine        = domain.RulesEngine
	RuleViolationError = domain.RuleViolationError
	ErrNotFound        = domain.ErrNotFound
)

const (
	EntityProject    = domain.EntityProject
	EntityExperiment = domain.EntityExperiment
	EntityDataset    = domain.EntityDataset
)

const (
	LinkModeUnset    = domain.LinkModeUnset
	LinkModeDropdown = domain.LinkModeDropdown
	LinkModeCustom   = domain.LinkModeCustom
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)
