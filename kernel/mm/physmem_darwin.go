package mm

const mapNoReserve = 0
