package market

// Quality grades a payload or a batch result.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// QualityFromRatio grades a success ratio in [0,1].
func QualityFromRatio(ratio float64) Quality {
	switch {
	case ratio >= 0.95:
		return QualityExcellent
	case ratio >= 0.80:
		return QualityGood
	case ratio >= 0.60:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Downgrade returns the next lower grade, flooring at poor.
func (q Quality) Downgrade() Quality {
	switch q {
	case QualityExcellent:
		return QualityGood
	case QualityGood:
		return QualityFair
	case QualityFair:
		return QualityPoor
	default:
		return QualityPoor
	}
}

// Rank orders qualities; higher is better.
func (q Quality) Rank() int {
	switch q {
	case QualityExcellent:
		return 4
	case QualityGood:
		return 3
	case QualityFair:
		return 2
	case QualityPoor:
		return 1
	default:
		return 0
	}
}
